package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jlevy/tbd/internal/types"
)

var updateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update fields on a record",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		record, err := recordStore.Get(ctx, args[0])
		if err != nil {
			fatalf("%v", err)
		}

		changed := false
		setString := func(flag string, dst *string) {
			if cmd.Flags().Changed(flag) {
				v, _ := cmd.Flags().GetString(flag)
				*dst = v
				changed = true
			}
		}
		setString("title", &record.Title)
		setString("description", &record.Description)
		setString("notes", &record.Notes)
		setString("assignee", &record.Assignee)
		setString("parent", &record.ParentID)

		if cmd.Flags().Changed("priority") {
			record.Priority, _ = cmd.Flags().GetInt("priority")
			changed = true
		}
		if cmd.Flags().Changed("kind") {
			v, _ := cmd.Flags().GetString("kind")
			record.Kind = types.Kind(v)
			changed = true
		}
		if cmd.Flags().Changed("status") {
			v, _ := cmd.Flags().GetString("status")
			st := types.Status(v)
			if st == types.StatusClosed {
				fatalf("use 'tbd close' to close a record")
			}
			record.Status = st
			record.ClosedAt = nil
			record.CloseReason = ""
			changed = true
		}
		if cmd.Flags().Changed("due") {
			v, _ := cmd.Flags().GetString("due")
			t, err := parseTimeFlag(v)
			if err != nil {
				fatalf("invalid --due: %v", err)
			}
			record.DueDate = t
			changed = true
		}
		if cmd.Flags().Changed("defer") {
			v, _ := cmd.Flags().GetString("defer")
			t, err := parseTimeFlag(v)
			if err != nil {
				fatalf("invalid --defer: %v", err)
			}
			record.DeferredUntil = t
			if t != nil {
				record.Status = types.StatusDeferred
			}
			changed = true
		}

		if !changed {
			fatalf("nothing to update (see 'tbd update --help' for flags)")
		}

		record.Touch(time.Now().UTC())
		if err := recordStore.Put(ctx, record); err != nil {
			fatalf("%v", err)
		}

		if jsonOutput {
			outputJSON(record)
			return
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Updated %s (version %d)\n", green("✓"), record.ID, record.Version)
	},
}

// parseTimeFlag accepts RFC3339 or a bare date; empty clears the field.
func parseTimeFlag(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return nil, fmt.Errorf("expected RFC3339 or YYYY-MM-DD, got %q", v)
	}
	return &t, nil
}

func init() {
	updateCmd.Flags().String("title", "", "New title")
	updateCmd.Flags().StringP("description", "d", "", "New description")
	updateCmd.Flags().String("notes", "", "New notes")
	updateCmd.Flags().StringP("assignee", "a", "", "New assignee")
	updateCmd.Flags().String("parent", "", "New parent record ID")
	updateCmd.Flags().IntP("priority", "p", 2, "New priority (0-4)")
	updateCmd.Flags().StringP("kind", "k", "", "New kind")
	updateCmd.Flags().StringP("status", "s", "", "New status (open|in_progress|blocked|deferred)")
	updateCmd.Flags().String("due", "", "Due date (RFC3339 or YYYY-MM-DD, empty to clear)")
	updateCmd.Flags().String("defer", "", "Defer until (RFC3339 or YYYY-MM-DD, empty to clear)")
	rootCmd.AddCommand(updateCmd)
}
