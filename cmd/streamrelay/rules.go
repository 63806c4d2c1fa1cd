package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/telhawk-systems/streamrelay/internal/firehose"
	"github.com/telhawk-systems/streamrelay/internal/output"
	"github.com/telhawk-systems/streamrelay/internal/rules"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Firehose filter rule management",
	Long:  "List the filter rules active on the firehose and reconcile them with a desired set",
}

var rulesListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List active filter rules",
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, closeClient, err := newFirehose()
		if err != nil {
			return err
		}
		defer closeClient()

		active, err := client.GetRules(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list rules: %w", err)
		}
		return printRules(cmd, active)
	},
}

var rulesSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile active rules with the configured set",
	Long: `Delete active rules that are not desired and create the missing ones. The desired
set comes from --file (a YAML list of expressions) or the "rules" config key.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		desired := cfg.Rules
		if path, _ := cmd.Flags().GetString("file"); path != "" {
			var err error
			if desired, err = loadRuleFile(path); err != nil {
				return err
			}
		}

		client, closeClient, err := newFirehose()
		if err != nil {
			return err
		}
		defer closeClient()

		active, err := rules.NewManager(client, logger.Logger).Reconcile(cmd.Context(), desired)
		var partial *rules.PartialReconcileError
		if errors.As(err, &partial) {
			fmt.Fprintf(cmd.ErrOrStderr(), "partially applied: deleted %d, created %d\n",
				len(partial.Deleted), len(partial.Created))
		}
		if err != nil {
			return fmt.Errorf("failed to sync rules: %w", err)
		}
		return printRules(cmd, active)
	},
}

// ruleFile accepts either a bare list of expressions or {rules: [...]}.
type ruleFile struct {
	Rules []string `yaml:"rules"`
}

func loadRuleFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}

	var list []string
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}

	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rule file %s: %w", path, err)
	}
	return f.Rules, nil
}

func printRules(cmd *cobra.Command, active []firehose.Rule) error {
	out := cmd.OutOrStdout()
	if done, err := output.Structured(out, format, active); done {
		return err
	}

	if len(active) == 0 {
		fmt.Fprintln(out, "No active rules")
		return nil
	}

	table := output.NewTable("ID", "EXPRESSION", "TAG")
	for _, r := range active {
		table.AddRow(r.ID, r.Expression, r.Tag)
	}
	table.Render(out)
	return nil
}

func init() {
	rulesSyncCmd.Flags().StringP("file", "f", "", "YAML file with the desired rule expressions")
	rulesCmd.AddCommand(rulesListCmd, rulesSyncCmd)
}
