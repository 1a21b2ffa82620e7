package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jlevy/tbd/internal/config"
	"github.com/jlevy/tbd/internal/gitx"
	"github.com/jlevy/tbd/internal/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replicate records through the sync branch",
	Long: `Commits local record changes to the sync branch, merges them with
whatever other replicas have pushed, pushes the result, and imports
the merged state back into the local store. Concurrent edits to the
same record are merged field by field; losing values of genuine
conflicts are archived in the attic.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		gitRoot, err := gitx.Root(ctx, repoRoot)
		if err != nil {
			fatalf("%v", err)
		}

		opts := sync.Options{
			Remote:      config.GetString(config.KeySyncRemote),
			Branch:      config.GetString(config.KeySyncBranch),
			MaxAttempts: config.GetInt(config.KeySyncMaxAttempts),
			Actor:       syncActor(),
		}
		opts.DryRun, _ = cmd.Flags().GetBool("dry-run")
		opts.NoPush, _ = cmd.Flags().GetBool("no-push")
		opts.Message, _ = cmd.Flags().GetString("message")
		if branch, _ := cmd.Flags().GetString("branch"); branch != "" {
			opts.Branch = branch
		}

		syncer, err := sync.New(gitx.Open(gitRoot), recordStore, conflictAttic, opts)
		if err != nil {
			fatalf("%v", err)
		}

		if statusOnly, _ := cmd.Flags().GetBool("status"); statusOnly {
			st, err := syncer.Status(ctx)
			if err != nil {
				fatalf("%v", err)
			}
			printSyncStatus(st)
			return
		}

		summary, err := syncer.Sync(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		printSyncSummary(summary)
	},
}

// syncActor picks the conflict attribution label: the --actor flag,
// then the configured actor, then this clone's replica id.
func syncActor() string {
	if actor != "" {
		return actor
	}
	return config.GetString(config.KeyReplicaID)
}

func printSyncStatus(st *sync.Status) {
	if jsonOutput {
		outputJSON(st)
		return
	}
	if !st.RemoteExists {
		fmt.Printf("Sync branch %s has never been pushed to %s.\n", st.Branch, st.Remote)
		return
	}
	fmt.Printf("Sync branch %s vs %s: %d ahead, %d behind\n", st.Branch, st.Remote, st.LocalAhead, st.RemoteAhead)
	if st.Diverged {
		yellow := color.New(color.FgYellow).SprintFunc()
		fmt.Printf("%s Histories have diverged; the next sync will merge them.\n", yellow("!"))
	}
}

func printSyncSummary(summary *sync.Summary) {
	if jsonOutput {
		outputJSON(summary)
		return
	}
	green := color.New(color.FgGreen).SprintFunc()
	if summary.DryRun {
		fmt.Printf("Dry run: %d new, %d updated, %d deleted would be sent\n",
			summary.Sent.New, summary.Sent.Updated, summary.Sent.Deleted)
		return
	}
	fmt.Printf("%s Synced via %s/%s\n", green("✓"), summary.Remote, summary.Branch)
	fmt.Printf("  Sent:      %d new, %d updated, %d deleted\n", summary.Sent.New, summary.Sent.Updated, summary.Sent.Deleted)
	fmt.Printf("  Received:  %d new, %d updated, %d deleted\n", summary.Received.New, summary.Received.Updated, summary.Received.Deleted)
	if summary.ConflictsResolved > 0 {
		yellow := color.New(color.FgYellow).SprintFunc()
		fmt.Printf("  %s %d conflict(s) resolved; losing values archived in the attic\n", yellow("!"), summary.ConflictsResolved)
	}
	if summary.Attempts > 1 {
		fmt.Printf("  Push landed after %d attempts\n", summary.Attempts)
	}
	if !summary.Pushed {
		fmt.Printf("  Push skipped\n")
	}
}

func init() {
	syncCmd.Flags().Bool("dry-run", false, "Report pending changes without committing or pushing")
	syncCmd.Flags().Bool("no-push", false, "Commit and merge locally but do not push")
	syncCmd.Flags().Bool("status", false, "Show divergence from the remote sync branch and exit")
	syncCmd.Flags().StringP("message", "m", "", "Commit message for the sync commit")
	syncCmd.Flags().String("branch", "", "Override the configured sync branch")
	rootCmd.AddCommand(syncCmd)
}
