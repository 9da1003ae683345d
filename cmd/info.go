/*
Copyright © 2025 Mathias Djärv <mathias.djarv@allbinary.se>
*/
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/allbin/picobridge"
)

// infoCmd represents the ports info command
var infoCmd = &cobra.Command{
	Use:   "info <port>",
	Short: "Display detailed information about a serial port",
	Long: `Display detailed information about a serial port including USB metadata
and the guessed board family.

Examples:
  picobridge ports info /dev/ttyACM0`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := serial.GetPortInfo(args[0])
		if err != nil {
			return fmt.Errorf("port info: %w", err)
		}

		fmt.Printf("Port Information: %s\n\n", info.Path)
		fmt.Printf("  Name:        %s\n", info.Name)
		fmt.Printf("  Description: %s\n", info.Description)
		if info.Board != "" {
			fmt.Printf("  Board:       %s\n", info.Board)
		}

		if info.VendorID == "" && info.ProductID == "" {
			return nil
		}
		fmt.Println("\nUSB Device Information:")
		for _, f := range []struct{ label, value string }{
			{"Vendor ID", info.VendorID},
			{"Product ID", info.ProductID},
			{"Serial", info.SerialNumber},
			{"Bus", info.BusNumber},
			{"Device", info.DeviceNumber},
			{"Manufacturer", info.Manufacturer},
			{"Product", info.Product},
		} {
			if f.value != "" {
				fmt.Printf("  %-13s %s\n", f.label+":", f.value)
			}
		}
		return nil
	},
}

func init() {
	portsCmd.AddCommand(infoCmd)
}
