package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/homemade/ledger2crm/sync"
)

var propertiesCmd = &cobra.Command{
	Use:     "properties",
	GroupID: "maint",
	Short:   "Print the CRM property mapping as CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig()
		if err != nil {
			return err
		}
		csv, err := sync.GeneratePropertyDocumentation(config).FormatCSV()
		if err != nil {
			return err
		}
		fmt.Print(csv)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(propertiesCmd)
}
