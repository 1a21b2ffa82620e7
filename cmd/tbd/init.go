package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jlevy/tbd/internal/attic"
	"github.com/jlevy/tbd/internal/config"
	"github.com/jlevy/tbd/internal/ids"
	"github.com/jlevy/tbd/internal/store"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a record store in the current directory",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cwd, err := os.Getwd()
		if err != nil {
			fatalf("%v", err)
		}
		dataDir := filepath.Join(cwd, DataDirName)

		if _, err := os.Stat(filepath.Join(dataDir, "config.yaml")); err == nil {
			fatalf("%s already initialized", dataDir)
		}

		fs := store.NewFileStore(dataDir)
		if err := fs.Init(); err != nil {
			fatalf("%v", err)
		}
		if err := os.MkdirAll(filepath.Join(dataDir, attic.DirName), 0755); err != nil {
			fatalf("%v", err)
		}

		// Each clone gets a stable replica identity, used to attribute
		// conflict winners and losers during sync.
		replicaID := ids.NewReplicaID()
		config.Set(config.KeyReplicaID, replicaID)
		if branch, _ := cmd.Flags().GetString("branch"); branch != "" {
			config.Set(config.KeySyncBranch, branch)
		}
		if err := config.WriteTo(dataDir); err != nil {
			fatalf("%v", err)
		}

		if jsonOutput {
			outputJSON(map[string]string{
				"data_dir":   dataDir,
				"replica_id": replicaID,
			})
			return
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Initialized record store in %s\n", green("✓"), dataDir)
		fmt.Printf("  Replica ID: %s\n", replicaID)
	},
}

func init() {
	initCmd.Flags().String("branch", "", "Sync branch name (default tbd-sync)")
	rootCmd.AddCommand(initCmd)
}
