package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jlevy/tbd/internal/types"
)

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a record in full",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		record, err := recordStore.Get(context.Background(), args[0])
		if err != nil {
			fatalf("%v", err)
		}
		if jsonOutput {
			outputJSON(record)
			return
		}
		printRecord(record)
	},
}

func printRecord(r *types.Record) {
	bold := color.New(color.Bold).SprintFunc()
	fmt.Printf("%s  %s\n", bold(r.ID), r.Title)
	fmt.Printf("  Status:   %s\n", r.Status)
	fmt.Printf("  Kind:     %s\n", r.Kind)
	fmt.Printf("  Priority: P%d\n", r.Priority)
	fmt.Printf("  Version:  %d\n", r.Version)
	if r.Assignee != "" {
		fmt.Printf("  Assignee: %s\n", r.Assignee)
	}
	if len(r.Labels) > 0 {
		fmt.Printf("  Labels:   %s\n", strings.Join(r.Labels, ", "))
	}
	if len(r.Dependencies) > 0 {
		fmt.Printf("  Depends:  %s\n", strings.Join(r.Dependencies, ", "))
	}
	if r.ParentID != "" {
		fmt.Printf("  Parent:   %s\n", r.ParentID)
	}
	if r.DueDate != nil {
		fmt.Printf("  Due:      %s\n", r.DueDate.Format(time.RFC3339))
	}
	if r.DeferredUntil != nil {
		fmt.Printf("  Deferred: %s\n", r.DeferredUntil.Format(time.RFC3339))
	}
	if r.Status == types.StatusClosed {
		fmt.Printf("  Closed:   %s", r.ClosedAt.Format(time.RFC3339))
		if r.CloseReason != "" {
			fmt.Printf(" (%s)", r.CloseReason)
		}
		fmt.Println()
	}
	fmt.Printf("  Created:  %s\n", r.CreatedAt.Format(time.RFC3339))
	fmt.Printf("  Updated:  %s\n", r.UpdatedAt.Format(time.RFC3339))
	if r.Description != "" {
		fmt.Printf("\n%s\n", r.Description)
	}
	if r.Notes != "" {
		fmt.Printf("\nNotes:\n%s\n", r.Notes)
	}
}

func init() {
	rootCmd.AddCommand(showCmd)
}
