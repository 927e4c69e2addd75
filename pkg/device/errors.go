package device

import "errors"

// Errors for device operations
var (
	ErrNoDevices    = errors.New("no vdsp devices found")
	ErrDeviceClosed = errors.New("device is closed")
	ErrClientClosed = errors.New("client is closed")
)
