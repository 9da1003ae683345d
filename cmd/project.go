/*
Copyright © 2025 Mathias Djärv <mathias.djarv@allbinary.se>
*/
package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/allbin/picobridge/internal/project"
)

// projectCmd groups workspace project commands
var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage the active project in the workspace",
	Long: `A project is a workspace directory marked with .micropico. Exactly one
project is active; the others keep an inactive marker so they are restored
with their settings when activated again.`,
}

var projectActivateCmd = &cobra.Command{
	Use:   "activate <dir>",
	Short: "Make a workspace directory the active project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := project.Activate(cfg.Workspace.Root, args[0]); err != nil {
			return err
		}
		fmt.Printf("Active project: %s\n", args[0])
		return nil
	},
}

var projectActiveCmd = &cobra.Command{
	Use:   "active",
	Short: "Print the active project",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := project.FindActive(cfg.Workspace.Root)
		if errors.Is(err, project.ErrNoActiveProject) {
			fmt.Println("No active project")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Println(dir)
		return nil
	},
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects in the workspace",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		markers, err := project.Markers(cfg.Workspace.Root)
		if err != nil {
			return err
		}
		if len(markers) == 0 {
			fmt.Println("No projects found")
			return nil
		}
		for _, m := range markers {
			mark := " "
			if m.Active {
				mark = "*"
			}
			fmt.Printf("%s %s\n", mark, m.Dir)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(projectCmd)
	projectCmd.PersistentFlags().StringP("workspace", "w", "", "workspace root (default .)")
	projectCmd.AddCommand(projectActivateCmd, projectActiveCmd, projectListCmd)
}
