package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jlevy/tbd/internal/attic"
	"github.com/jlevy/tbd/internal/config"
	"github.com/jlevy/tbd/internal/store"
)

// DataDirName is the per-project directory holding records, the
// conflict attic, and sync state.
const DataDirName = ".tbd"

var (
	jsonOutput    bool
	actor         string
	repoRoot      string // directory containing the data dir
	recordStore   *store.FileStore
	conflictAttic *attic.Attic
)

var rootCmd = &cobra.Command{
	Use:   "tbd",
	Short: "tbd - git-native structured record tracker",
	Long: `A lightweight record tracker that stores structured records as files
inside the repository and replicates them between clones over a
dedicated git branch, merging concurrent edits field by field.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := config.Initialize(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		// Priority: flags > config file + env vars > defaults.
		if !cmd.Flags().Changed("json") {
			jsonOutput = config.GetBool("json")
		}
		if !cmd.Flags().Changed("actor") && actor == "" {
			actor = config.GetString(config.KeyActor)
		}

		// Commands that run before a data dir exists.
		if cmd.Name() == "init" || cmd.Name() == "help" || cmd.Name() == "version" {
			return
		}

		root, err := findDataRoot()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			fmt.Fprintf(os.Stderr, "Run 'tbd init' in your repository first.\n")
			os.Exit(1)
		}
		repoRoot = root
		recordStore = store.NewFileStore(filepath.Join(root, DataDirName))
		conflictAttic = attic.New(recordStore.Root())
	},
}

// findDataRoot walks up from the working directory looking for the
// data dir, so commands work from any subdirectory.
func findDataRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		info, err := os.Stat(filepath.Join(dir, DataDirName))
		if err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no %s directory found in %s or any parent", DataDirName, dir)
		}
		dir = parent
	}
}

func outputJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", "", "Actor name for sync conflict attribution")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
