/*
Copyright © 2025 Mathias Djärv <mathias.djarv@allbinary.se>
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/allbin/picobridge"
	"github.com/allbin/picobridge/internal/log"
	"github.com/allbin/picobridge/internal/relay"
	"github.com/allbin/picobridge/internal/repl"
	"github.com/allbin/picobridge/internal/tui/components"
	"github.com/allbin/picobridge/internal/tui/models"
	"github.com/allbin/picobridge/internal/tui/styles"
)

// connectCmd represents the connect command
var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Hold the board and relay it to a picobridge server",
	Long: `Open the board's serial port, relay it to a picobridge server and show
an interactive REPL monitor.

Everything the board prints is shown locally and forwarded to the server,
and serial-data from the server is written to the board. The relay
reconnects on its own; the board stays usable while the server is away.

Keys (normal mode): i insert, x interrupt, s soft reset, R hard reset,
h hex/text, t timestamps, c clear, ? help, q quit.
In insert mode ctrl+c and ctrl+d send the raw control bytes.

Example usage:
  picobridge connect -d /dev/ttyACM0
  picobridge connect -d /dev/ttyUSB0 --relay ws://build-host:8765/ws
  picobridge connect -d /dev/ttyACM0 --no-relay`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		noRelay, _ := cmd.Flags().GetBool("no-relay")

		ch, err := openDevice()
		if err != nil {
			return err
		}
		defer ch.Close()

		// the tui owns the terminal, keep logs out of it
		log.SetLevel("error")

		var program *tea.Program
		send := func(msg tea.Msg) {
			if program != nil {
				program.Send(msg)
			}
		}

		engine := newEngine(ch, repl.WithStateListener(func(s repl.State) {
			send(models.REPLStateMsg{State: s})
		}))

		portCfg := ch.Port().Config()
		info := components.LinkInfo{
			Device:   ch.Port().Path(),
			BaudRate: portCfg.BaudRate,
			DataBits: portCfg.DataBits,
			StopBits: portCfg.StopBits,
			Parity:   portCfg.Parity,
		}

		var client *relay.Client
		if !noRelay {
			info.Relay = cfg.Relay.URL
			client = relay.NewClient(cfg.Client())
		}

		model := models.NewBridge(ch, engine, info)
		program = tea.NewProgram(model, tea.WithAltScreen(), tea.WithMouseCellMotion())

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		ch.Subscribe(func(data []byte) {
			send(components.DataMsg{Timestamp: time.Now(), Data: data, Source: components.SourceDevice})
			if client != nil {
				// dropped while the relay is down
				client.SendSerial(data)
			}
		})
		ch.OnClose(func(abnormal bool, err error) {
			if !abnormal {
				return
			}
			send(models.LinkMsg{Link: models.LinkDevice, State: styles.LinkFailed, Err: err})
			if client != nil {
				client.DeviceDisconnected()
			}
		})

		if client != nil {
			wireRelay(client, ch, send)
			client.DeviceConnected(portCfg.BaudRate)
			go client.Run(ctx)
		}

		go func() {
			if err := ch.Start(); err != nil {
				send(models.LinkMsg{Link: models.LinkDevice, State: styles.LinkFailed, Err: err})
				return
			}
			send(models.LinkMsg{Link: models.LinkDevice, State: styles.LinkUp})
		}()

		_, err = program.Run()
		cancel()
		if client != nil {
			client.DeviceDisconnected()
		}
		return err
	},
}

// relayWriter writes server serial-data to the board and shows it
type relayWriter struct {
	ch   *serial.Channel
	send func(tea.Msg)
}

func (w relayWriter) Write(ctx context.Context, p []byte) error {
	err := w.ch.Write(ctx, p)
	w.send(components.DataMsg{Timestamp: time.Now(), Data: p, Source: components.SourceRelay, Err: err})
	return err
}

func wireRelay(client *relay.Client, ch *serial.Channel, send func(tea.Msg)) {
	client.SetDeviceWriter(relayWriter{ch: ch, send: send})

	client.On(relay.EventConnect, func(relay.Envelope) {
		send(models.LinkMsg{Link: models.LinkRelay, State: styles.LinkUp})
	})
	client.On(relay.EventDisconnect, func(relay.Envelope) {
		send(models.LinkMsg{Link: models.LinkRelay, State: styles.LinkConnecting, Err: errors.New("connection lost, retrying")})
	})
	client.On(relay.EventConnectError, func(relay.Envelope) {
		send(models.LinkMsg{Link: models.LinkRelay, State: styles.LinkDown})
	})
	client.On(relay.EventStatus, func(env relay.Envelope) {
		var st relay.Status
		if err := env.Decode(&st); err != nil {
			return
		}
		send(components.EventMsg{Timestamp: time.Now(), Level: st.Level, Text: st.Message})
	})
	client.On(relay.EventFilesChanged, func(env relay.Envelope) {
		var fc relay.FilesChanged
		if err := env.Decode(&fc); err != nil {
			return
		}
		send(components.EventMsg{
			Timestamp: time.Now(),
			Level:     "info",
			Text:      fmt.Sprintf("files changed: %s", strings.Join(fc.Paths, ", ")),
		})
	})
}

func init() {
	rootCmd.AddCommand(connectCmd)

	addDeviceFlags(connectCmd.Flags())
	connectCmd.Flags().String("relay", "", "server websocket url (default ws://127.0.0.1:8765/ws)")
	connectCmd.Flags().Bool("no-relay", false, "run the monitor without a server")
}
