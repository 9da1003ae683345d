/*
Copyright © 2025 Mathias Djärv <mathias.djarv@allbinary.se>
*/
package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/allbin/picobridge/internal/config"
	"github.com/allbin/picobridge/internal/log"
)

var (
	cfgFile string
	cfg     config.Config
)

// flagKeys maps config keys to the flags that may override them. A command
// only binds the flags it actually declares.
var flagKeys = map[string]string{
	"env":              "env",
	"log.level":        "log-level",
	"server.addr":      "addr",
	"workspace.root":   "workspace",
	"pty.backend":      "pty-backend",
	"pty.link_path":    "link",
	"serial.device":    "device",
	"serial.baud_rate": "baud",
	"relay.url":        "relay",
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "picobridge",
	Short: "Bridge a MicroPython board to local tools and a web IDE",
	Long: `picobridge connects a MicroPython board to the tools that want to talk
to it.

The server side (picobridge serve) exposes a virtual serial port for local
tools such as mpremote or rshell, serves the project workspace over HTTP and
relays serial traffic over a websocket. The client side (picobridge connect)
holds the real USB device and forwards its bytes to the server.

Settings come from built-in defaults, picobridge.yaml, PICOBRIDGE_*
environment variables and flags, each overriding the previous.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile, boundFlags(cmd))
		if err != nil {
			return err
		}
		cfg = loaded
		log.Configure(cfg.Env, cfg.Log.Level, os.Stderr)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./picobridge.yaml)")
	rootCmd.PersistentFlags().String("env", "", "development or production")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
}

func boundFlags(cmd *cobra.Command) map[string]*pflag.Flag {
	out := make(map[string]*pflag.Flag)
	for key, name := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			out[key] = f
		}
	}
	return out
}

// devicePath picks the port from args or falls back to serial.device
func devicePath(args []string) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[0], nil
	}
	if cfg.Serial.Device != "" {
		return cfg.Serial.Device, nil
	}
	return "", errNoDevice
}
