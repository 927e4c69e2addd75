package driver

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// DeviceFile represents an open DSP character device. The device exposes
// the shared command window through mmap.
type DeviceFile struct {
	mu      sync.Mutex
	fd      int
	path    string
	windows [][]byte
}

// OpenDevice opens a DSP device node by path
func OpenDevice(path string) (*DeviceFile, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC|unix.O_SYNC, 0)
	if err != nil {
		var errno unix.Errno
		if errors.As(err, &errno) {
			return nil, StatusFromErrno(errno, "opening device "+path)
		}
		return nil, NewErrorWithCause(StatusInternalFailure, "opening device "+path, err)
	}
	return &DeviceFile{fd: fd, path: path}, nil
}

// MapWindow maps size bytes of the device at offset, shared with the DSP.
// The window stays valid until Close.
func (d *DeviceFile) MapWindow(offset int64, size int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fd < 0 {
		return nil, NewError(StatusNoDevice, "mapping window on closed device")
	}
	if size <= 0 || size%4 != 0 {
		return nil, NewError(StatusInvalidArgument, fmt.Sprintf("window size %d is not a positive multiple of 4", size))
	}
	if offset%int64(os.Getpagesize()) != 0 {
		return nil, NewError(StatusInvalidArgument, fmt.Sprintf("window offset 0x%x is not page aligned", offset))
	}

	mem, err := unix.Mmap(d.fd, offset, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		var errno unix.Errno
		if errors.As(err, &errno) {
			return nil, StatusFromErrno(errno, "mmap window")
		}
		return nil, NewErrorWithCause(StatusInternalFailure, "mmap window", err)
	}
	d.windows = append(d.windows, mem)
	return mem, nil
}

// Close unmaps all windows and closes the device file
func (d *DeviceFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for _, w := range d.windows {
		if err := unix.Munmap(w); err != nil && firstErr == nil {
			firstErr = NewErrorWithCause(StatusInternalFailure, "munmap window", err)
		}
	}
	d.windows = nil

	if d.fd >= 0 {
		err := unix.Close(d.fd)
		d.fd = -1
		if err != nil && firstErr == nil {
			firstErr = NewErrorWithCause(StatusInternalFailure, "closing device", err)
		}
	}
	return firstErr
}

// Fd returns the file descriptor
func (d *DeviceFile) Fd() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fd
}

// Path returns the device path
func (d *DeviceFile) Path() string {
	return d.path
}

// ScanDevices lists DSP device nodes under dir matching the vdsp naming
func ScanDevices(dir string) ([]string, error) {
	if dir == "" {
		dir = "/dev"
	}
	matches, err := filepath.Glob(filepath.Join(dir, "vdsp*"))
	if err != nil {
		return nil, err
	}
	return matches, nil
}
