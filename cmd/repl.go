/*
Copyright © 2025 Mathias Djärv <mathias.djarv@allbinary.se>
*/
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/allbin/picobridge/internal/repl"
)

// replCmd groups raw REPL control commands
var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Control the MicroPython REPL on the board",
	Long: `Send REPL control sequences to the board.

Examples:
  picobridge repl stop -d /dev/ttyACM0
  picobridge repl soft-reset
  picobridge repl mkdir /lib/drivers`,
}

// replAction builds a subcommand that runs one engine operation
func replAction(use, short string, args cobra.PositionalArgs, fn func(ctx context.Context, e *repl.Engine, args []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, err := openDevice()
			if err != nil {
				return err
			}
			defer ch.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := fn(ctx, newEngine(ch), args); err != nil {
				return err
			}
			fmt.Printf("%s: done\n", cmd.Name())
			return nil
		},
	}
}

func init() {
	rootCmd.AddCommand(replCmd)
	addDeviceFlags(replCmd.PersistentFlags())

	replCmd.AddCommand(
		replAction("stop", "Interrupt running code (ctrl+C)", cobra.NoArgs,
			func(ctx context.Context, e *repl.Engine, _ []string) error {
				return e.Interrupt(ctx)
			}),
		replAction("soft-reset", "Interrupt and soft reset the interpreter (ctrl+D)", cobra.NoArgs,
			func(ctx context.Context, e *repl.Engine, _ []string) error {
				return e.SoftReset(ctx)
			}),
		replAction("hard-reset", "Reboot the board with machine.reset()", cobra.NoArgs,
			func(ctx context.Context, e *repl.Engine, _ []string) error {
				return e.HardReset(ctx)
			}),
		replAction("bootloader", "Reboot into the firmware update mode", cobra.NoArgs,
			func(ctx context.Context, e *repl.Engine, _ []string) error {
				return e.Bootloader(ctx)
			}),
		replAction("mkdir <dir>", "Create a directory and its parents on the board", cobra.ExactArgs(1),
			func(ctx context.Context, e *repl.Engine, args []string) error {
				return e.MkdirAll(ctx, args[0])
			}),
	)
}
