/*
Copyright © 2025 Mathias Djärv <mathias.djarv@allbinary.se>
*/
package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/allbin/picobridge/internal/tui/colors"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Execute Python on the board through the raw REPL",
	Long: `Execute a Python file or snippet on the board through the raw REPL.

The code is sent in chunks with the configured delays and executed with
ctrl+D. Output is printed for --wait after the code was sent.

Code can be provided as:
- a file argument: picobridge run main.py
- the --code flag: picobridge run -c "print(42)"
- stdin: cat main.py | picobridge run

Example usage:
  picobridge run -d /dev/ttyACM0 main.py
  picobridge run -c "import machine; print(machine.freq())" --wait 2s`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, _ := cmd.Flags().GetString("code")
		wait, _ := cmd.Flags().GetDuration("wait")
		quiet, _ := cmd.Flags().GetBool("quiet")

		source, err := readSource(args, code)
		if err != nil {
			return err
		}

		ch, err := openDevice()
		if err != nil {
			return err
		}
		defer ch.Close()

		if !quiet {
			out := bufio.NewWriter(os.Stdout)
			ch.Subscribe(func(data []byte) {
				out.Write(data)
				out.Flush()
			})
		}
		if err := ch.Start(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		engine := newEngine(ch)
		if err := engine.Exec(ctx, source); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
		if !quiet {
			fmt.Fprintln(os.Stderr, lipgloss.NewStyle().Foreground(colors.Green).Render("✓ sent"))
		}
		return nil
	},
}

// readSource picks the code from a file, the flag or piped stdin
func readSource(args []string, code string) (string, error) {
	switch {
	case len(args) == 1 && code != "":
		return "", errors.New("pass either a file or --code, not both")
	case len(args) == 1:
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", err
		}
		return string(data), nil
	case code != "":
		return code, nil
	}

	stat, err := os.Stdin.Stat()
	if err != nil || stat.Mode()&os.ModeCharDevice != 0 {
		return "", errors.New("nothing to run: pass a file, --code or pipe code on stdin")
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", errors.New("stdin was empty")
	}
	return string(data), nil
}

func init() {
	rootCmd.AddCommand(runCmd)

	addDeviceFlags(runCmd.Flags())
	runCmd.Flags().StringP("code", "c", "", "Python code to run instead of a file")
	runCmd.Flags().Duration("wait", time.Second, "how long to print output after sending")
	runCmd.Flags().BoolP("quiet", "q", false, "do not print board output")
}
