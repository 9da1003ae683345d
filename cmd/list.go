/*
Copyright © 2025 Mathias Djärv <mathias.djarv@allbinary.se>
*/
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/allbin/picobridge"
	"github.com/allbin/picobridge/internal/tui/components"
)

// portsCmd groups the local serial port commands
var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "Inspect local serial ports",
}

// listCmd represents the ports list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List serial ports and guess which hold MicroPython boards",
	Long: `List the serial ports on this machine.

USB devices are annotated with vendor and product IDs and a best-effort
guess of the board family (rp2, esp32, ...). Virtual terminals and
pseudo-terminals are excluded.

Example usage:
  picobridge ports list
  picobridge ports list --filter usb --table`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		filterType, _ := cmd.Flags().GetString("filter")
		tableFormat, _ := cmd.Flags().GetBool("table")

		ports, err := serial.ListPorts()
		if err != nil {
			return fmt.Errorf("list ports: %w", err)
		}

		infos := filterPorts(ports, filterType)
		if len(infos) == 0 {
			if filterType != "" {
				fmt.Printf("No serial ports found matching filter: %s\n", filterType)
			} else {
				fmt.Println("No serial ports found")
			}
			return nil
		}

		if tableFormat {
			renderTable(infos)
			return nil
		}
		for _, info := range infos {
			if info.Board != "" {
				fmt.Printf("%s\t%s\n", info.Path, info.Board)
			} else {
				fmt.Println(info.Path)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(portsCmd)
	portsCmd.AddCommand(listCmd)

	listCmd.Flags().StringP("filter", "f", "", "filter by port type: usb, board, standard, arm, all")
	listCmd.Flags().BoolP("table", "t", false, "display output as a table")
}

// filterPorts resolves port info and keeps the ports matching filterType.
// "board" keeps ports whose USB ids look like a MicroPython board.
func filterPorts(ports []string, filterType string) []*serial.PortInfo {
	filterType = strings.ToLower(filterType)

	var out []*serial.PortInfo
	for _, port := range ports {
		info, err := serial.GetPortInfo(port)
		if err != nil {
			continue
		}

		name := strings.ToLower(info.Name)
		keep := false
		switch filterType {
		case "", "all":
			keep = true
		case "usb":
			keep = strings.HasPrefix(name, "ttyusb") || strings.HasPrefix(name, "ttyacm")
		case "board":
			keep = info.Board != ""
		case "standard":
			keep = strings.HasPrefix(name, "ttys")
		case "arm":
			keep = strings.HasPrefix(name, "ttyama")
		}
		if keep {
			out = append(out, info)
		}
	}
	return out
}

func renderTable(infos []*serial.PortInfo) {
	fmt.Printf("Found %d serial port(s):\n\n", len(infos))

	rows := make([]map[string]any, 0, len(infos))
	for _, info := range infos {
		usb := ""
		if info.VendorID != "" {
			usb = info.VendorID + ":" + info.ProductID
		}
		rows = append(rows, map[string]any{
			"port":  info.Path,
			"type":  getPortType(info.Name),
			"usb":   usb,
			"board": info.Board,
			"desc":  info.Description,
		})
	}

	fmt.Println(components.RenderTable([]components.Column{
		{Key: "port", Title: "Port", Width: 16},
		{Key: "type", Title: "Type", Width: 16},
		{Key: "usb", Title: "USB ID", Width: 11},
		{Key: "board", Title: "Board", Width: 10},
		{Key: "desc", Title: "Description", Width: 30},
	}, rows))
}

// getPortType returns a more specific type classification for the port
func getPortType(name string) string {
	name = strings.ToLower(name)
	switch {
	case strings.HasPrefix(name, "ttyusb"):
		return "USB Serial"
	case strings.HasPrefix(name, "ttyacm"):
		return "USB CDC/ACM"
	case strings.HasPrefix(name, "ttyama"):
		return "ARM Serial"
	case strings.HasPrefix(name, "ttys"):
		return "Standard Serial"
	default:
		return "Serial Port"
	}
}
