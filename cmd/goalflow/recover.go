package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRecoverCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Reclaim orphaned worker requests and fail interrupted workflows",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			report, failed, err := a.recover(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d requests (%d live, %d corrupt), failed %d interrupted workflows\n",
				report.Cleaned, report.Kept, report.Corrupt, failed)
			return nil
		},
	}
}
