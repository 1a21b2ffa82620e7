package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jlevy/tbd/internal/ids"
	"github.com/jlevy/tbd/internal/types"
)

var createCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a new record",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		description, _ := cmd.Flags().GetString("description")
		notes, _ := cmd.Flags().GetString("notes")
		priority, _ := cmd.Flags().GetInt("priority")
		kind, _ := cmd.Flags().GetString("kind")
		assignee, _ := cmd.Flags().GetString("assignee")
		labels, _ := cmd.Flags().GetStringSlice("labels")
		deps, _ := cmd.Flags().GetStringSlice("deps")
		parent, _ := cmd.Flags().GetString("parent")

		id, err := ids.NewRecordID()
		if err != nil {
			fatalf("%v", err)
		}

		now := time.Now().UTC()
		record := &types.Record{
			ID:           id,
			Version:      1,
			Title:        args[0],
			Description:  description,
			Notes:        notes,
			Status:       types.StatusOpen,
			Priority:     priority,
			Kind:         types.Kind(kind),
			Assignee:     assignee,
			Labels:       labels,
			Dependencies: deps,
			ParentID:     parent,
			CreatedAt:    now,
			UpdatedAt:    now,
		}

		ctx := context.Background()
		for _, dep := range deps {
			if _, err := recordStore.Get(ctx, dep); err != nil {
				fatalf("dependency %s: %v", dep, err)
			}
		}
		if parent != "" {
			if _, err := recordStore.Get(ctx, parent); err != nil {
				fatalf("parent %s: %v", parent, err)
			}
		}
		if err := recordStore.Put(ctx, record); err != nil {
			fatalf("%v", err)
		}

		if jsonOutput {
			outputJSON(record)
			return
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Created record: %s\n", green("✓"), record.ID)
		fmt.Printf("  Title: %s\n", record.Title)
		fmt.Printf("  Priority: P%d\n", record.Priority)
		fmt.Printf("  Status: %s\n", record.Status)
	},
}

func init() {
	createCmd.Flags().StringP("description", "d", "", "Record description")
	createCmd.Flags().String("notes", "", "Free-form notes")
	createCmd.Flags().IntP("priority", "p", 2, "Priority (0-4, 0=highest)")
	createCmd.Flags().StringP("kind", "k", "task", "Record kind (bug|feature|task|epic|chore)")
	createCmd.Flags().StringP("assignee", "a", "", "Assignee")
	createCmd.Flags().StringSliceP("labels", "l", []string{}, "Labels (comma-separated)")
	createCmd.Flags().StringSlice("deps", []string{}, "IDs of records this one depends on")
	createCmd.Flags().String("parent", "", "Parent record ID")
	rootCmd.AddCommand(createCmd)
}
