/*
Copyright © 2025 Mathias Djärv <mathias.djarv@allbinary.se>
*/
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/allbin/picobridge/internal/resilience"
	"github.com/allbin/picobridge/internal/server"
	"github.com/allbin/picobridge/internal/tui/components"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the health of a running server",
	Long: `Query /api/health of a running picobridge server and show it as a table.

With --reinitialize the server's serial adapter is restarted first, which
is the way out of the degraded state after reconnects ran out.

Example usage:
  picobridge status
  picobridge status --addr 192.168.1.20:8765
  picobridge status --reinitialize`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reinit, _ := cmd.Flags().GetBool("reinitialize")
		asJSON, _ := cmd.Flags().GetBool("json")

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		base := serverURL(cfg.Server.Addr)

		if reinit {
			resp, err := apiRequest(ctx, http.MethodPost, base+"/api/serial/reinitialize")
			if err != nil {
				return err
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("reinitialize: server answered %s", resp.Status)
			}
		}

		resp, err := apiRequest(ctx, http.MethodGet, base+"/api/health")
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var h server.Health
		if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
			return fmt.Errorf("decode health: %w", err)
		}

		if asJSON {
			out, _ := json.MarshalIndent(h, "", "  ")
			fmt.Println(string(out))
			return nil
		}
		fmt.Println(components.RenderTable([]components.Column{
			{Key: "item", Title: "Component", Width: 16},
			{Key: "value", Title: "State", Width: 56},
		}, healthRows(h)))
		return nil
	},
}

func healthRows(h server.Health) []map[string]any {
	row := func(item, value string) map[string]any {
		return map[string]any{"item": item, "value": value}
	}

	rows := []map[string]any{
		row("status", h.Status),
		row("uptime", h.Uptime),
		row("adapter", fmt.Sprintf("%s %s", h.Adapter.State, h.Adapter.Path)),
		row("reconnects", counterText(h.Adapter.Reconnects)),
		row("pty restarts", counterText(h.Adapter.PTYRestarts)),
	}
	if h.Adapter.LastError != "" {
		rows = append(rows, row("last error", h.Adapter.LastError))
	}
	if h.PTY != nil {
		state := "down"
		if h.PTY.Alive {
			state = "alive"
		}
		rows = append(rows, row("virtual port", fmt.Sprintf("%s %s (%s)", h.PTY.LinkPath, state, h.PTY.Backend)))
	}
	if h.Watcher != nil {
		state := "stopped"
		if h.Watcher.Running {
			state = "running"
		}
		rows = append(rows, row("watcher", fmt.Sprintf("%s %s", state, h.Watcher.Root)))
	}

	device := "none"
	if h.Device != nil {
		device = fmt.Sprintf("connected at %d baud", h.Device.BaudRate)
	}
	rows = append(rows,
		row("relay clients", fmt.Sprint(h.RelayClients)),
		row("device", device),
		row("errors", fmt.Sprintf("%d recent, %d total", h.RecentErrors, h.TotalErrors)),
	)
	if h.Breaker != nil {
		rows = append(rows, row("firmware breaker", fmt.Sprintf("%v, %d failures", h.Breaker.State, h.Breaker.Failures)))
	}
	return rows
}

func counterText(c resilience.CounterStatus) string {
	s := fmt.Sprintf("%d/%d", c.Attempts, c.Max)
	if c.Degraded {
		s += " degraded"
	}
	return s
}

func serverURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/")
	}
	return "http://" + addr
}

func apiRequest(ctx context.Context, method, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable at %s: %w", url, err)
	}
	return resp, nil
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().String("addr", "", "server address (default 127.0.0.1:8765)")
	statusCmd.Flags().Bool("reinitialize", false, "restart the serial adapter before reading health")
	statusCmd.Flags().Bool("json", false, "print the raw health document")
}
