package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jlevy/tbd/internal/types"
)

var closeCmd = &cobra.Command{
	Use:   "close <id>",
	Short: "Close a record",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		record, err := recordStore.Get(ctx, args[0])
		if err != nil {
			fatalf("%v", err)
		}
		if record.Status == types.StatusClosed {
			fatalf("%s is already closed", record.ID)
		}

		reason, _ := cmd.Flags().GetString("reason")
		now := time.Now().UTC()
		record.Status = types.StatusClosed
		record.ClosedAt = &now
		record.CloseReason = reason
		record.Touch(now)

		if err := recordStore.Put(ctx, record); err != nil {
			fatalf("%v", err)
		}
		if jsonOutput {
			outputJSON(record)
			return
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Closed %s\n", green("✓"), record.ID)
	},
}

var reopenCmd = &cobra.Command{
	Use:   "reopen <id>",
	Short: "Reopen a closed record",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		record, err := recordStore.Get(ctx, args[0])
		if err != nil {
			fatalf("%v", err)
		}
		if record.Status != types.StatusClosed {
			fatalf("%s is not closed", record.ID)
		}

		record.Status = types.StatusOpen
		record.ClosedAt = nil
		record.CloseReason = ""
		record.Touch(time.Now().UTC())

		if err := recordStore.Put(ctx, record); err != nil {
			fatalf("%v", err)
		}
		if jsonOutput {
			outputJSON(record)
			return
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Reopened %s\n", green("✓"), record.ID)
	},
}

func init() {
	closeCmd.Flags().StringP("reason", "r", "", "Why the record was closed")
	rootCmd.AddCommand(closeCmd)
	rootCmd.AddCommand(reopenCmd)
}
