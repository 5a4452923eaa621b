package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"mercator-hq/costguard/pkg/cli"
	"mercator-hq/costguard/pkg/config"
)

var validateFlags struct {
	format string
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Load a configuration file with its environment overrides and check it.

On success the budgets, guard rules, scheduled tasks and alert rules the
service would run with are listed.

Examples:
  # Validate the default config
  costguard validate

  # Validate a specific file and print the summary as JSON
  costguard validate --config /etc/costguard/costguard.yaml --format json`,
	RunE: validateConfig,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringVar(&validateFlags.format, "format", "text", "output format: text, json, csv")
}

// configItem is one line of the validation summary.
type configItem struct {
	Section string `json:"section"`
	Name    string `json:"name"`
	Detail  string `json:"detail"`
}

func validateConfig(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseFormat(validateFlags.format)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	items := summarize(cfg)
	out := cmd.OutOrStdout()
	if format == cli.FormatText {
		fmt.Fprintf(out, "✓ Configuration valid: %s\n\n", cfgFile)
		if len(items) == 0 {
			fmt.Fprintln(out, "No budgets, rules or tasks configured")
			return nil
		}
	}

	table := cli.Table{
		Headers: []string{"SECTION", "NAME", "DETAIL"},
		Data:    items,
	}
	for _, it := range items {
		table.Rows = append(table.Rows, []string{it.Section, it.Name, it.Detail})
	}
	return cli.NewFormatter(format).FormatTo(out, table)
}

func summarize(cfg *config.Config) []configItem {
	var items []configItem

	for _, name := range sortedKeys(cfg.Guard.Budgets) {
		items = append(items, configItem{
			Section: "budget",
			Name:    name,
			Detail:  fmt.Sprintf("limit %.2f", cfg.Guard.Budgets[name]),
		})
	}
	for _, scope := range sortedKeys(cfg.Guard.Rules) {
		for _, r := range cfg.Guard.Rules[scope] {
			detail := fmt.Sprintf("%s, priority %d", r.Action, r.Priority)
			if r.Disabled {
				detail += ", disabled"
			}
			items = append(items, configItem{
				Section: "guard_rule",
				Name:    scope + "/" + r.ID,
				Detail:  detail,
			})
		}
	}
	for _, t := range cfg.Scheduler.Tasks {
		schedule := string(t.Schedule.Type)
		if t.Schedule.Cron != "" {
			schedule += " " + t.Schedule.Cron
		} else if t.Schedule.Every > 0 {
			schedule += " " + t.Schedule.Every.String()
		}
		detail := fmt.Sprintf("%s on %s, %s", t.Kind, t.Scope, schedule)
		if t.Disabled {
			detail += ", disabled"
		}
		items = append(items, configItem{Section: "task", Name: t.ID, Detail: detail})
	}
	for _, r := range cfg.Alerts.Rules {
		channels := make([]string, len(r.Channels))
		for i, c := range r.Channels {
			channels[i] = string(c)
		}
		detail := fmt.Sprintf("%s, %s", r.Type, r.Priority)
		if len(channels) > 0 {
			detail += ", channels " + strings.Join(channels, "+")
		}
		items = append(items, configItem{Section: "alert_rule", Name: r.ID, Detail: detail})
	}
	return items
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
