/*
Copyright © 2025 Mathias Djärv <mathias.djarv@allbinary.se>
*/
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/allbin/picobridge"
	"github.com/allbin/picobridge/internal/log"
)

// captureCmd represents the capture command
var captureCmd = &cobra.Command{
	Use:   "capture <output-file>",
	Short: "Capture board output to a file",
	Long: `Capture everything the board prints to a file, for boards that log over
the REPL while running unattended.

The output file is opened in append mode, so captures can be resumed
without overwriting existing data. Runs until interrupted (Ctrl+C) or the
board goes away.

Example usage:
  picobridge capture -d /dev/ttyACM0 board.log
  picobridge capture board.log --console`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		showConsole, _ := cmd.Flags().GetBool("console")

		ch, err := openDevice()
		if err != nil {
			return err
		}
		defer ch.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runCapture(ctx, ch, args[0], showConsole)
	},
}

func init() {
	rootCmd.AddCommand(captureCmd)

	addDeviceFlags(captureCmd.Flags())
	captureCmd.Flags().Bool("console", false, "also print incoming data while capturing")
}

func runCapture(ctx context.Context, ch *serial.Channel, outputPath string, showConsole bool) error {
	file, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open output file: %w", err)
	}
	defer file.Close()

	var out io.Writer = file
	if showConsole {
		out = io.MultiWriter(file, os.Stdout)
	}

	var written atomic.Int64
	failed := make(chan error, 1)

	ch.Subscribe(func(data []byte) {
		n, err := out.Write(data)
		written.Add(int64(n))
		if err != nil {
			log.Error().Err(err).Str("file", outputPath).Msg("capture write failed")
		}
	})
	ch.OnClose(func(abnormal bool, err error) {
		if abnormal {
			failed <- err
		}
	})
	if err := ch.Start(); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Capturing data from %s to %s\n", ch.Port().Path(), outputPath)
	fmt.Fprintf(os.Stderr, "Press Ctrl+C to stop\n\n")
	start := time.Now()

	select {
	case <-ctx.Done():
	case err := <-failed:
		return fmt.Errorf("board went away: %w", err)
	}
	ch.Stop()

	fmt.Fprintf(os.Stderr, "\nCapture complete: %d bytes written in %v\n", written.Load(), time.Since(start).Round(time.Millisecond))
	return nil
}
