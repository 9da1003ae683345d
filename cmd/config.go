/*
Copyright © 2025 Mathias Djärv <mathias.djarv@allbinary.se>
*/
package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/allbin/picobridge/internal/config"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	Long: `Print the configuration after defaults, picobridge.yaml, PICOBRIDGE_*
environment variables and flags were applied. The output is a valid
picobridge.yaml.

With --keys the settable keys are listed with their environment variable.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		listKeys, _ := cmd.Flags().GetBool("keys")
		if listKeys {
			keys := config.Keys()
			sort.Strings(keys)
			for _, k := range keys {
				env := config.EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(k, ".", "_"))
				fmt.Printf("%-28s %s\n", k, env)
			}
			return nil
		}

		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.Flags().Bool("keys", false, "list config keys and their environment variables")
}
