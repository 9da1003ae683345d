/*
Copyright © 2025 Mathias Djärv <mathias.djarv@allbinary.se>
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/allbin/picobridge"
)

// resetCmd represents the reset command
var resetCmd = &cobra.Command{
	Use:   "reset <port>",
	Short: "Reset a board that stopped responding",
	Long: `Reset a board from the host side, without the REPL.

By default this performs a USB-level reset: the device re-enumerates, which
recovers a CDC endpoint that hung. With --pulse the DTR/RTS auto-reset
circuit found on ESP32 style boards is toggled instead.

The USB reset needs the usbreset utility (usbutils) and usually root. The
port path may change after re-enumeration.

Examples:
  sudo picobridge reset /dev/ttyACM0
  picobridge reset /dev/ttyUSB0 --pulse
  picobridge reset /dev/ttyUSB0 --pulse --hold 250ms`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		portPath := args[0]
		pulse, _ := cmd.Flags().GetBool("pulse")
		hold, _ := cmd.Flags().GetDuration("hold")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		if pulse {
			port, err := serial.Open(portPath)
			if err != nil {
				return err
			}
			defer port.Close()

			fmt.Printf("Pulsing reset lines on %s\n", portPath)
			if err := serial.PulseReset(port, hold); err != nil {
				return err
			}
			fmt.Println("Board reset")
			return nil
		}

		if !serial.IsUSBResetAvailable() {
			fmt.Fprintln(os.Stderr, "Install usbreset with: sudo apt-get install usbutils")
			return serial.ErrUSBResetNotAvailable
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		fmt.Printf("Resetting USB device: %s\n", portPath)
		if err := serial.ResetUSBDevice(ctx, portPath); err != nil {
			if errors.Is(err, serial.ErrUSBInfoNotAvailable) {
				fmt.Fprintln(os.Stderr, "This device does not appear to be a USB device, try --pulse")
			}
			return err
		}

		fmt.Println("USB device reset successfully")
		fmt.Println("Device will re-enumerate (port path may change)")
		fmt.Println("\nUse 'picobridge ports list --table' to see updated device list")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resetCmd)

	resetCmd.Flags().Bool("pulse", false, "toggle DTR/RTS instead of a USB reset")
	resetCmd.Flags().Duration("hold", 100*time.Millisecond, "how long RTS is held for --pulse")
	resetCmd.Flags().Duration("timeout", 15*time.Second, "give up on the USB reset after this long")
}
