package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:     "check",
	GroupID: "maint",
	Short:   "Check the source and CRM credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := context.Background()
		sourceErr := a.source.CheckConnection(ctx)
		report("source", sourceErr)
		crmErr := a.crm.CheckConnection(ctx)
		report("crm", crmErr)
		return errors.Join(sourceErr, crmErr)
	},
}

func report(name string, err error) {
	if err != nil {
		fmt.Printf("%-8s FAILED  %v\n", name, err)
		return
	}
	fmt.Printf("%-8s OK\n", name)
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
