package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List configured models",
	RunE: func(cmd *cobra.Command, args []string) error {
		loadedCfg, err := loadConfigForCommand(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), formatModels(loadedCfg.Models.ModelNames(), loadedCfg.Models.Default))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}
