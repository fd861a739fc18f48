package telemetry

import (
	"bytes"
	"os"
	"strings"
)

const unknown = "unknown"

// StaticDevice reports fixed manufacturer/model values.
type StaticDevice Device

func (s StaticDevice) Device() Device {
	return Device(s)
}

// Build metadata locations: DMI on PCs, device tree on ARM boards.
var (
	dmiVendorPath  = "/sys/devices/virtual/dmi/id/sys_vendor"
	dmiProductPath = "/sys/devices/virtual/dmi/id/product_name"
	dtModelPath    = "/proc/device-tree/model"
)

// DetectDevice reads build metadata once at startup. Values from override
// win over detected ones.
func DetectDevice(override Device) StaticDevice {
	dev := Device{
		Manufacturer: readTrimmed(dmiVendorPath),
		Model:        readTrimmed(dmiProductPath),
	}
	if dev.Model == "" {
		// "Raspberry Pi 4 Model B Rev 1.4"
		if model := readTrimmed(dtModelPath); model != "" {
			dev.Model = model
			if dev.Manufacturer == "" {
				dev.Manufacturer = strings.Fields(model)[0]
			}
		}
	}
	if override.Manufacturer != "" {
		dev.Manufacturer = override.Manufacturer
	}
	if override.Model != "" {
		dev.Model = override.Model
	}
	if dev.Manufacturer == "" {
		dev.Manufacturer = unknown
	}
	if dev.Model == "" {
		dev.Model = unknown
	}
	return StaticDevice(dev)
}

func readTrimmed(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	// device-tree strings are NUL terminated
	data = bytes.TrimRight(data, "\x00")
	return strings.TrimSpace(string(data))
}
