package serial

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// devDir and sysClassTTY are variables so tests can point them at fixtures
var (
	devDir      = "/dev"
	sysClassTTY = "/sys/class/tty"
)

var portPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^ttyUSB\d+$`), // USB serial adapters (CP210x, CH340, FTDI)
	regexp.MustCompile(`^ttyACM\d+$`), // USB CDC/ACM (native USB MicroPython boards)
	regexp.MustCompile(`^ttyS\d+$`),   // Standard serial ports
	regexp.MustCompile(`^ttyAMA\d+$`), // ARM/Raspberry Pi serial
}

// ListPorts returns the serial devices a MicroPython board can appear on,
// sorted by path.
func ListPorts() ([]string, error) {
	entries, err := os.ReadDir(devDir)
	if err != nil {
		return nil, err
	}

	var ports []string
	for _, entry := range entries {
		name := entry.Name()
		if !matchesPortPattern(name) {
			continue
		}
		fullPath := filepath.Join(devDir, name)
		if isCharacterDevice(fullPath) {
			ports = append(ports, fullPath)
		}
	}

	sort.Strings(ports)
	return ports, nil
}

func matchesPortPattern(name string) bool {
	for _, pattern := range portPatterns {
		if pattern.MatchString(name) {
			return true
		}
	}
	return false
}

// isCharacterDevice checks if the given path is a character device
func isCharacterDevice(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// PortInfo describes a serial device and, for USB devices, the metadata
// read from sysfs.
type PortInfo struct {
	Name         string
	Path         string
	Description  string
	VendorID     string
	ProductID    string
	SerialNumber string
	Manufacturer string
	Product      string
	BusNumber    string
	DeviceNumber string
	// Board is a best-effort guess of the MicroPython board family
	Board string
}

// GetPortInfo returns detailed information about a specific port
func GetPortInfo(portPath string) (*PortInfo, error) {
	if !isCharacterDevice(portPath) {
		return nil, ErrDeviceUnavailable
	}

	name := filepath.Base(portPath)
	info := &PortInfo{
		Name:        name,
		Path:        portPath,
		Description: getPortDescription(name),
	}

	if strings.HasPrefix(name, "ttyUSB") || strings.HasPrefix(name, "ttyACM") {
		enrichUSBInfo(info)
	}
	return info, nil
}

func getPortDescription(name string) string {
	switch {
	case strings.HasPrefix(name, "ttyUSB"):
		return "USB Serial Port"
	case strings.HasPrefix(name, "ttyACM"):
		return "USB CDC/ACM Device"
	case strings.HasPrefix(name, "ttyAMA"):
		return "ARM Serial Port"
	case strings.HasPrefix(name, "ttyS"):
		return "Standard Serial Port"
	default:
		return "Serial Port"
	}
}

// enrichUSBInfo walks up from the tty's sysfs device node until it finds
// the USB device directory (the one carrying idVendor).
func enrichUSBInfo(info *PortInfo) {
	devicePath, err := filepath.EvalSymlinks(filepath.Join(sysClassTTY, info.Name, "device"))
	if err != nil {
		return
	}

	dir := devicePath
	for i := 0; i < 4 && dir != "/" && dir != "."; i++ {
		if vendor := readSysfsFile(filepath.Join(dir, "idVendor")); vendor != "" {
			info.VendorID = vendor
			info.ProductID = readSysfsFile(filepath.Join(dir, "idProduct"))
			info.SerialNumber = readSysfsFile(filepath.Join(dir, "serial"))
			info.Manufacturer = readSysfsFile(filepath.Join(dir, "manufacturer"))
			info.Product = readSysfsFile(filepath.Join(dir, "product"))
			info.BusNumber = readSysfsFile(filepath.Join(dir, "busnum"))
			info.DeviceNumber = readSysfsFile(filepath.Join(dir, "devnum"))
			info.Board = boardHint(info.VendorID, info.ProductID)
			return
		}
		dir = filepath.Dir(dir)
	}
}

// readSysfsFile returns the trimmed content of a sysfs attribute, or "" if
// it cannot be read.
func readSysfsFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// boardHint maps USB ids to the board families MicroPython ships for
func boardHint(vendorID, productID string) string {
	vendorID = strings.ToLower(vendorID)
	productID = strings.ToLower(productID)

	switch vendorID {
	case "2e8a":
		if productID == "0003" {
			return "rp2 (BOOTSEL)"
		}
		return "rp2"
	case "303a":
		return "esp32-s2/s3 (native USB)"
	case "10c4", "1a86":
		return "esp32/esp8266 (USB-UART bridge)"
	case "f055":
		return "pyboard"
	case "0403":
		return "FTDI USB-UART"
	default:
		return ""
	}
}
