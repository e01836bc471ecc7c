package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/carlmjohnson/requests"
	"github.com/spf13/cobra"

	"github.com/homemade/ledger2crm/sync"
)

var statusURL string

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show the status of a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig()
		if err != nil {
			return err
		}
		var body string
		err = requests.
			URL(statusURL).
			Client(&http.Client{Timeout: sync.HTTPRequestTimeout}).
			Path("/api/status").
			Header(sync.APIKeyHeader, config.Server.APIKey).
			ToString(&body).
			Fetch(context.Background())
		if err != nil {
			return fmt.Errorf("fetch status: %w", err)
		}
		fmt.Println(body)
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusURL, "url", "http://localhost:8080", "server base URL")
	rootCmd.AddCommand(statusCmd)
}
