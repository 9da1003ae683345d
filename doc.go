// Package serial is the transport layer of picobridge: it opens the tty a
// MicroPython board enumerates as and turns it into a byte stream.
//
// # Ports
//
// Open configures a tty in raw mode (115200 8N1 by default). Reads use a
// VTIME timeout so they return periodically with zero bytes, which is what
// lets a read loop notice it has been asked to stop:
//
//	port, err := serial.Open("/dev/ttyACM0",
//	    serial.WithBaudRate(115200),
//	    serial.WithReadTimeout(100*time.Millisecond),
//	)
//
// # Channels
//
// A Channel owns one Port and fans inbound chunks out to subscribers from a
// single read goroutine, so ordering per subscriber is preserved:
//
//	ch, err := serial.OpenChannel("/dev/ttyACM0")
//	unsubscribe := ch.Subscribe(func(b []byte) { os.Stdout.Write(b) })
//	ch.OnClose(func(abnormal bool, err error) { ... })
//	ch.Start()
//	err = ch.Write(ctx, []byte("print(1)\r\n"))
//
// A read failure terminates the loop and runs the same close listeners as
// an intentional Close; abnormal is true only if the loop was still
// supposed to be reading.
//
// # Discovery and resets
//
// ListPorts and GetPortInfo enumerate ttyUSB/ttyACM/ttyS/ttyAMA devices and
// read USB metadata from sysfs, including a board hint derived from the
// vendor and product id. PulseReset toggles DTR/RTS for boards wired for
// line reset, and ResetUSBDevice re-enumerates a hung device through the
// usbreset utility.
//
// Errors are sentinel values, check them with errors.Is:
//
//	if errors.Is(err, serial.ErrDeviceUnavailable) { ... }
package serial
