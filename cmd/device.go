/*
Copyright © 2025 Mathias Djärv <mathias.djarv@allbinary.se>
*/
package cmd

import (
	"errors"

	"github.com/spf13/pflag"

	"github.com/allbin/picobridge"
	"github.com/allbin/picobridge/internal/log"
	"github.com/allbin/picobridge/internal/repl"
)

var errNoDevice = errors.New("no device: pass --device or set serial.device")

// openDevice opens the configured board as a Channel. The read loop is not
// started so callers can subscribe first.
func openDevice() (*serial.Channel, error) {
	path, err := devicePath(nil)
	if err != nil {
		return nil, err
	}
	return serial.OpenChannel(path,
		serial.WithBaudRate(cfg.Serial.BaudRate),
		serial.WithReadTimeout(cfg.Serial.ReadTimeout),
	)
}

func newEngine(t repl.Transport, opts ...repl.Option) *repl.Engine {
	opts = append([]repl.Option{
		repl.WithTiming(cfg.Timing()),
		repl.WithStateListener(func(s repl.State) {
			log.Debug().Str("state", s.String()).Msg("repl state")
		}),
	}, opts...)
	return repl.New(t, opts...)
}

func addDeviceFlags(flags *pflag.FlagSet) {
	flags.StringP("device", "d", "", "serial device of the board, e.g. /dev/ttyACM0")
	flags.IntP("baud", "b", 0, "baud rate (default 115200)")
}
