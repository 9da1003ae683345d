/*
Copyright © 2025 Mathias Djärv <mathias.djarv@allbinary.se>
*/
package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/allbin/picobridge/internal/log"
	"github.com/allbin/picobridge/internal/server"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge server",
	Long: `Run the bridge server.

The server creates a virtual serial port at the configured link path, keeps
it open through the serial adapter and relays its bytes to the connected
client over /ws. It also serves the workspace file tree, project activation
and health under /api.

Example usage:
  picobridge serve
  picobridge serve --addr 0.0.0.0:8765 --workspace ~/code/pico
  picobridge serve --pty-backend native --link /tmp/pico`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		srv, err := server.New(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start()
		}()

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			// the listener failed, release the pty and port anyway
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return errors.Join(err, srv.Shutdown(shutdownCtx))
		case <-ctx.Done():
		}

		log.Info().Msg("received shutdown signal")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "listen address (default 127.0.0.1:8765)")
	serveCmd.Flags().StringP("workspace", "w", "", "workspace root served to the IDE")
	serveCmd.Flags().String("pty-backend", "", "virtual port backend: socat or native")
	serveCmd.Flags().String("link", "", "path of the virtual serial port link")
}
