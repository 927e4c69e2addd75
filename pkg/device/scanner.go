package device

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/anthropics/purple-vdsp/pkg/driver"
)

// Info describes a discovered device node
type Info struct {
	Path string
	Name string
	// Sysfs reports whether the node was found through the sysfs class
	// directory rather than by probing the device directory.
	Sysfs bool
}

// Scanner finds vdsp device nodes
type Scanner struct {
	sysfsPath string
	devPath   string
}

// NewScanner creates a scanner for the standard locations
func NewScanner() *Scanner {
	return &Scanner{
		sysfsPath: "/sys/class/vdsp",
		devPath:   "/dev",
	}
}

// NewScannerAt creates a scanner rooted at custom sysfs and dev directories
func NewScannerAt(sysfsPath, devPath string) *Scanner {
	return &Scanner{sysfsPath: sysfsPath, devPath: devPath}
}

// Scan lists device nodes. The sysfs class directory is consulted first;
// when it yields nothing the device directory is probed directly.
func (s *Scanner) Scan() ([]Info, error) {
	var devices []Info

	entries, err := os.ReadDir(s.sysfsPath)
	if err == nil {
		for _, entry := range entries {
			name := entry.Name()
			path := filepath.Join(s.devPath, name)
			if _, err := os.Stat(path); err == nil {
				devices = append(devices, Info{Path: path, Name: name, Sysfs: true})
			}
		}
	}

	if len(devices) == 0 {
		paths, err := driver.ScanDevices(s.devPath)
		if err != nil {
			return nil, err
		}
		for _, path := range paths {
			devices = append(devices, Info{Path: path, Name: filepath.Base(path)})
		}
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].Name < devices[j].Name })
	return devices, nil
}

// Scan uses the default scanner to find all devices
func Scan() ([]Info, error) {
	return NewScanner().Scan()
}

// First returns the first device found
func First() (Info, error) {
	devices, err := Scan()
	if err != nil {
		return Info{}, err
	}
	if len(devices) == 0 {
		return Info{}, ErrNoDevices
	}
	return devices[0], nil
}
