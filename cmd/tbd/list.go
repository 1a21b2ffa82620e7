package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jlevy/tbd/internal/types"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List records",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		status, _ := cmd.Flags().GetString("status")
		kind, _ := cmd.Flags().GetString("kind")
		assignee, _ := cmd.Flags().GetString("assignee")
		label, _ := cmd.Flags().GetString("label")
		all, _ := cmd.Flags().GetBool("all")

		filter := &types.Filter{}
		if status != "" {
			st := types.Status(status)
			if !st.IsValid() {
				fatalf("invalid status %q", status)
			}
			filter.Status = &st
		}
		if kind != "" {
			k := types.Kind(kind)
			if !k.IsValid() {
				fatalf("invalid kind %q", kind)
			}
			filter.Kind = &k
		}
		if assignee != "" {
			filter.Assignee = &assignee
		}
		if label != "" {
			filter.Labels = []string{label}
		}

		records, err := recordStore.List(context.Background(), filter)
		if err != nil {
			fatalf("%v", err)
		}

		// Closed records are noise in the default view.
		if status == "" && !all {
			open := records[:0]
			for _, r := range records {
				if r.Status != types.StatusClosed {
					open = append(open, r)
				}
			}
			records = open
		}

		// Most urgent first, then most recently touched.
		sort.SliceStable(records, func(i, j int) bool {
			if records[i].Priority != records[j].Priority {
				return records[i].Priority < records[j].Priority
			}
			return records[i].UpdatedAt.After(records[j].UpdatedAt)
		})

		if jsonOutput {
			outputJSON(records)
			return
		}
		if len(records) == 0 {
			fmt.Println("No records found.")
			return
		}
		bold := color.New(color.Bold).SprintFunc()
		for _, r := range records {
			fmt.Printf("%s  P%d [%s/%s]  %s\n", bold(r.ID), r.Priority, r.Kind, r.Status, r.Title)
		}
		fmt.Printf("\n%d record(s)\n", len(records))
	},
}

func init() {
	listCmd.Flags().StringP("status", "s", "", "Filter by status (open|in_progress|blocked|deferred|closed)")
	listCmd.Flags().StringP("kind", "k", "", "Filter by kind")
	listCmd.Flags().StringP("assignee", "a", "", "Filter by assignee")
	listCmd.Flags().StringP("label", "l", "", "Filter by label")
	listCmd.Flags().Bool("all", false, "Include closed records")
	rootCmd.AddCommand(listCmd)
}
