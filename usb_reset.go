package serial

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"
)

// usbResetSettle is how long a device takes to re-enumerate after reset
var usbResetSettle = 2 * time.Second

// ResetUSBDevice performs a USB-level reset of the device behind portPath.
// It is the last resort for a board whose CDC endpoint stopped responding:
// the port disappears and comes back, which the adapter reconnect loop
// then picks up.
//
// Requires the usbreset utility (usbutils) and usually root.
func ResetUSBDevice(ctx context.Context, portPath string) error {
	info, err := GetPortInfo(portPath)
	if err != nil {
		return fmt.Errorf("failed to get port info: %w", err)
	}

	if info.BusNumber == "" || info.DeviceNumber == "" {
		return ErrUSBInfoNotAvailable
	}

	if !IsUSBResetAvailable() {
		return ErrUSBResetNotAvailable
	}

	usbPath, err := usbDevicePath(info.BusNumber, info.DeviceNumber)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, "usbreset", usbPath)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("usbreset failed: %w (output: %s)", err, string(output))
	}

	select {
	case <-time.After(usbResetSettle):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// usbDevicePath formats sysfs busnum/devnum as the BBB/DDD form usbreset
// expects
func usbDevicePath(bus, device string) (string, error) {
	b, err := strconv.Atoi(bus)
	if err != nil {
		return "", fmt.Errorf("%w: bad bus number %q", ErrUSBInfoNotAvailable, bus)
	}
	d, err := strconv.Atoi(device)
	if err != nil {
		return "", fmt.Errorf("%w: bad device number %q", ErrUSBInfoNotAvailable, device)
	}
	return fmt.Sprintf("%03d/%03d", b, d), nil
}

// IsUSBResetAvailable checks if usbreset utility is available in PATH
func IsUSBResetAvailable() bool {
	_, err := exec.LookPath("usbreset")
	return err == nil
}
