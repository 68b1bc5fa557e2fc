package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/netrecon/sweeper/internal/correlation"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Work with correlation rules",
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate [dir]",
	Short: "Validate every rule in a directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dir := cfg.Rules.Dir
		if len(args) == 1 {
			dir = args[0]
		}

		rules, err := correlation.LoadRulesDir(dir)
		if err != nil {
			return err
		}
		fmt.Printf("%d rules valid\n", len(rules))
		return nil
	},
}

var rulesListCmd = &cobra.Command{
	Use:   "list [dir]",
	Short: "List the rules in a directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dir := cfg.Rules.Dir
		if len(args) == 1 {
			dir = args[0]
		}

		rules, err := correlation.LoadRulesDir(dir)
		if err != nil {
			return err
		}
		for _, r := range rules {
			state := "enabled"
			if !r.Enabled {
				state = "disabled"
			}
			fmt.Printf("%-30s %-8s %-8s %s\n", r.ID, r.Meta.Risk, state, r.Meta.Name)
		}
		return nil
	},
}

func init() {
	rulesCmd.AddCommand(rulesValidateCmd)
	rulesCmd.AddCommand(rulesListCmd)
}
