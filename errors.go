package serial

import "errors"

// Predefined error types for robust error handling
var (
	ErrDeviceUnavailable = errors.New("serial device unavailable")
	ErrPermissionDenied  = errors.New("permission denied accessing serial device")
	ErrDeviceInUse       = errors.New("serial device already in use")
	ErrInvalidBaudRate   = errors.New("invalid baud rate")
	ErrInvalidConfig     = errors.New("invalid serial configuration")
	ErrPortClosed        = errors.New("serial port is closed")
	ErrWrite             = errors.New("serial write failed")
	ErrShortWrite        = errors.New("serial write was short")

	// USB-related errors
	ErrUSBInfoNotAvailable  = errors.New("USB device information not available")
	ErrUSBResetNotAvailable = errors.New("usbreset utility not available")
)
