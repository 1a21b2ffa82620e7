package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jlevy/tbd/internal/attic"
)

var atticCmd = &cobra.Command{
	Use:   "attic",
	Short: "Inspect and restore values lost in sync conflicts",
}

var atticListCmd = &cobra.Command{
	Use:   "list <id>",
	Short: "List archived conflict entries for a record",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		entries, err := conflictAttic.List(args[0])
		if err != nil {
			fatalf("%v", err)
		}
		if jsonOutput {
			outputJSON(entries)
			return
		}
		if len(entries) == 0 {
			fmt.Printf("No archived conflicts for %s.\n", args[0])
			return
		}
		for _, e := range entries {
			fmt.Printf("%s  %-14s lost %q to %q (%s beat %s)\n",
				e.Timestamp.Format(time.RFC3339), e.Field,
				e.LostValue, e.WinnerValue, e.WinnerSource, e.LoserSource)
		}
	},
}

var atticShowCmd = &cobra.Command{
	Use:   "show <id> <timestamp> [field]",
	Short: "Show one archived conflict entry",
	Args:  cobra.RangeArgs(2, 3),
	Run: func(cmd *cobra.Command, args []string) {
		at, err := time.Parse(time.RFC3339, args[1])
		if err != nil {
			fatalf("invalid timestamp %q: %v", args[1], err)
		}
		field := ""
		if len(args) == 3 {
			field = args[2]
		}
		entry, err := conflictAttic.Get(args[0], at, field)
		if err != nil {
			fatalf("%v", err)
		}
		if jsonOutput {
			outputJSON(entry)
			return
		}
		bold := color.New(color.Bold).SprintFunc()
		fmt.Printf("%s  field %s at %s\n", bold(entry.EntityID), entry.Field, entry.Timestamp.Format(time.RFC3339))
		fmt.Printf("  Lost value:   %q (from %s)\n", entry.LostValue, entry.LoserSource)
		fmt.Printf("  Winner value: %q (from %s)\n", entry.WinnerValue, entry.WinnerSource)
		fmt.Printf("  Versions:     local %d, remote %d\n", entry.Context.LocalVersion, entry.Context.RemoteVersion)
	},
}

var atticRestoreCmd = &cobra.Command{
	Use:   "restore <id> <timestamp> <field>",
	Short: "Restore an archived value onto the live record",
	Long: `Applies the losing value of an archived conflict back onto the live
record as a new edit. Only text fields can be restored this way; the
archive entry itself is never removed.`,
	Args: cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		at, err := time.Parse(time.RFC3339, args[1])
		if err != nil {
			fatalf("invalid timestamp %q: %v", args[1], err)
		}
		record, err := conflictAttic.Restore(context.Background(), recordStore, args[0], at, args[2], time.Now().UTC())
		if err != nil {
			if errors.Is(err, attic.ErrNotRestorable) {
				fatalf("field %q cannot be restored automatically (only title, description, notes)", args[2])
			}
			fatalf("%v", err)
		}
		if jsonOutput {
			outputJSON(record)
			return
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Restored %s on %s (now version %d)\n", green("✓"), args[2], record.ID, record.Version)
	},
}

func init() {
	atticCmd.AddCommand(atticListCmd)
	atticCmd.AddCommand(atticShowCmd)
	atticCmd.AddCommand(atticRestoreCmd)
	rootCmd.AddCommand(atticCmd)
}
