package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var depCmd = &cobra.Command{
	Use:   "dep",
	Short: "Manage dependencies between records",
}

var depAddCmd = &cobra.Command{
	Use:   "add <id> <depends-on-id>",
	Short: "Record that one record depends on another",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		id, target := args[0], args[1]
		if id == target {
			fatalf("a record cannot depend on itself")
		}
		record, err := recordStore.Get(ctx, id)
		if err != nil {
			fatalf("%v", err)
		}
		if _, err := recordStore.Get(ctx, target); err != nil {
			fatalf("dependency target %s: %v", target, err)
		}
		for _, d := range record.Dependencies {
			if d == target {
				fatalf("%s already depends on %s", id, target)
			}
		}
		if wouldCycle(ctx, id, target) {
			fatalf("adding %s -> %s would create a dependency cycle", id, target)
		}

		record.Dependencies = append(record.Dependencies, target)
		record.Touch(time.Now().UTC())
		if err := recordStore.Put(ctx, record); err != nil {
			fatalf("%v", err)
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s %s now depends on %s\n", green("✓"), id, target)
	},
}

var depRemoveCmd = &cobra.Command{
	Use:   "remove <id> <depends-on-id>",
	Short: "Remove a dependency",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		id, target := args[0], args[1]
		record, err := recordStore.Get(ctx, id)
		if err != nil {
			fatalf("%v", err)
		}
		kept := record.Dependencies[:0]
		for _, d := range record.Dependencies {
			if d != target {
				kept = append(kept, d)
			}
		}
		if len(kept) == len(record.Dependencies) {
			fatalf("%s does not depend on %s", id, target)
		}
		record.Dependencies = kept
		if len(record.Dependencies) == 0 {
			record.Dependencies = nil
		}
		record.Touch(time.Now().UTC())
		if err := recordStore.Put(ctx, record); err != nil {
			fatalf("%v", err)
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Removed dependency %s -> %s\n", green("✓"), id, target)
	},
}

// wouldCycle reports whether target already depends on id, directly or
// transitively. BFS over the dependency edges; records missing locally
// (not yet synced) terminate their branch.
func wouldCycle(ctx context.Context, id, target string) bool {
	seen := map[string]bool{}
	queue := []string{target}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if current == id {
			return true
		}
		if seen[current] {
			continue
		}
		seen[current] = true

		record, err := recordStore.Get(ctx, current)
		if err != nil {
			continue
		}
		queue = append(queue, record.Dependencies...)
	}
	return false
}

func init() {
	depCmd.AddCommand(depAddCmd)
	depCmd.AddCommand(depRemoveCmd)
	rootCmd.AddCommand(depCmd)
}
