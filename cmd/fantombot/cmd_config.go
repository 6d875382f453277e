package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/user/fantombot/internal/config"
)

func init() {
	configCmd.AddCommand(configListCmd, configGetCmd)
	for _, c := range []*cobra.Command{configCmd, configListCmd} {
		c.Flags().Bool("show-secrets", false, "print secrets unmasked")
	}
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigList,
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all configuration values",
	Args:  cobra.NoArgs,
	RunE:  runConfigList,
}

func runConfigList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	show, _ := cmd.Flags().GetBool("show-secrets")
	printValues(cmd.OutOrStdout(), config.ListValues(cfg, !show))
	return nil
}

func printValues(w io.Writer, values map[string]any) {
	// Sort keys for stable output
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(w, "%s = %v\n", k, values[k])
	}
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		val, ok := config.ListValues(cfg, true)[args[0]]
		if !ok {
			return fmt.Errorf("unknown config key %q", args[0])
		}
		fmt.Fprintln(cmd.OutOrStdout(), val)
		return nil
	},
}
