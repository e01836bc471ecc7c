package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/homemade/ledger2crm/sync"
)

var (
	runEntities string
	runFull     bool
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "sync",
	Short:   "Run one sync and print the result",
	Long: `Run a sync of every entity type, or a partial sync of the entity types given
with --entities (companies, individuals, profiles, orders). Only records
modified within the configured lookback window are fetched unless --full is set.
The command blocks until the run ends and exits non zero unless the run succeeded.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		req := sync.RunRequest{Kind: sync.FullRun, Incremental: !runFull, TriggerSource: "cli"}
		if runEntities != "" {
			entities, err := sync.ParseEntityTypes(runEntities)
			if err != nil {
				return err
			}
			req.Kind = sync.PartialRun
			req.Entities = entities
		}
		run, err := a.orchestrator.RunRequest(context.Background(), req)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(run); err != nil {
			return err
		}
		if run.Status != sync.StatusSuccess {
			return fmt.Errorf("sync %s ended with status %s", run.ID, run.Status)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runEntities, "entities", "", "comma separated entity types for a partial run")
	runCmd.Flags().BoolVar(&runFull, "full", false, "fetch every record, ignoring the lookback window")
	rootCmd.AddCommand(runCmd)
}
