/*
Copyright © 2025 Mathias Djärv <mathias.djarv@allbinary.se>
*/
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/allbin/picobridge"
)

// signalsCmd represents the ports signals command
var signalsCmd = &cobra.Command{
	Use:   "signals <port>",
	Short: "Display current modem signal states",
	Long: `Display the current state of the modem control signals.

On USB CDC boards DTR and RTS double as reset and boot-mode lines on many
ESP32 and ESP8266 adapters.

Examples:
  picobridge ports signals /dev/ttyUSB0`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		port, err := serial.Open(args[0])
		if err != nil {
			return err
		}
		defer port.Close()

		signals, err := port.GetModemSignals()
		if err != nil {
			return fmt.Errorf("read modem signals: %w", err)
		}

		fmt.Printf("Modem Signals for %s:\n\n", args[0])
		fmt.Printf("  CTS (Clear To Send):       %s\n", formatSignalState(signals.CTS))
		fmt.Printf("  DSR (Data Set Ready):      %s\n", formatSignalState(signals.DSR))
		fmt.Printf("  RI  (Ring Indicator):      %s\n", formatSignalState(signals.RI))
		fmt.Printf("  DCD (Data Carrier Detect): %s\n", formatSignalState(signals.DCD))
		fmt.Printf("  RTS (Request To Send):     %s\n", formatSignalState(signals.RTS))
		fmt.Printf("  DTR (Data Terminal Ready): %s\n", formatSignalState(signals.DTR))
		return nil
	},
}

// lineCmd builds the dtr and rts commands, which only differ in the line
func lineCmd(name string, set func(serial.Port, bool) error, get func(serial.ModemSignals) bool) *cobra.Command {
	upper := strings.ToUpper(name)
	return &cobra.Command{
		Use:   name + " <port> <state>",
		Short: "Set the " + upper + " line",
		Long: fmt.Sprintf(`Set the %s line of a port.

Examples:
  picobridge ports %s /dev/ttyUSB0 low

Valid states: high, low, on, off, true, false, 1, 0`, upper, name),
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := parseSignalState(args[1])
			if err != nil {
				return err
			}

			port, err := serial.Open(args[0])
			if err != nil {
				return err
			}
			defer port.Close()

			if err := set(port, state); err != nil {
				return fmt.Errorf("set %s: %w", upper, err)
			}

			current := state
			if signals, err := port.GetModemSignals(); err == nil {
				current = get(signals)
			}
			fmt.Printf("%s set to %s on %s\n", upper, formatSignalState(current), args[0])
			return nil
		},
	}
}

func formatSignalState(state bool) string {
	if state {
		return "HIGH"
	}
	return "LOW"
}

func parseSignalState(state string) (bool, error) {
	switch strings.ToLower(state) {
	case "high", "on", "true", "1":
		return true, nil
	case "low", "off", "false", "0":
		return false, nil
	default:
		return false, fmt.Errorf("invalid state: %s (valid: high, low, on, off, true, false, 1, 0)", state)
	}
}

func init() {
	portsCmd.AddCommand(
		signalsCmd,
		lineCmd("dtr", serial.Port.SetDTR, func(s serial.ModemSignals) bool { return s.DTR }),
		lineCmd("rts", serial.Port.SetRTS, func(s serial.ModemSignals) bool { return s.RTS }),
	)
}
