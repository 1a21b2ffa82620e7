package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var labelCmd = &cobra.Command{
	Use:   "label",
	Short: "Manage labels on a record",
}

var labelAddCmd = &cobra.Command{
	Use:   "add <id> <label>",
	Short: "Add a label to a record",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		record, err := recordStore.Get(ctx, args[0])
		if err != nil {
			fatalf("%v", err)
		}
		label := args[1]
		for _, l := range record.Labels {
			if l == label {
				fatalf("%s already has label %q", record.ID, label)
			}
		}
		record.Labels = append(record.Labels, label)
		record.Touch(time.Now().UTC())
		if err := recordStore.Put(ctx, record); err != nil {
			fatalf("%v", err)
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Added label %q to %s\n", green("✓"), label, record.ID)
	},
}

var labelRemoveCmd = &cobra.Command{
	Use:   "remove <id> <label>",
	Short: "Remove a label from a record",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		record, err := recordStore.Get(ctx, args[0])
		if err != nil {
			fatalf("%v", err)
		}
		label := args[1]
		kept := record.Labels[:0]
		for _, l := range record.Labels {
			if l != label {
				kept = append(kept, l)
			}
		}
		if len(kept) == len(record.Labels) {
			fatalf("%s does not have label %q", record.ID, label)
		}
		record.Labels = kept
		if len(record.Labels) == 0 {
			record.Labels = nil
		}
		record.Touch(time.Now().UTC())
		if err := recordStore.Put(ctx, record); err != nil {
			fatalf("%v", err)
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Removed label %q from %s\n", green("✓"), label, record.ID)
	},
}

func init() {
	labelCmd.AddCommand(labelAddCmd)
	labelCmd.AddCommand(labelRemoveCmd)
	rootCmd.AddCommand(labelCmd)
}
