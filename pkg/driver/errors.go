package driver

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Status represents a driver operation status code
type Status int

// Driver status codes
const (
	StatusSuccess          Status = 0
	StatusInvalidArgument  Status = 1
	StatusNotFound         Status = 2
	StatusBusy             Status = 3
	StatusNoDevice         Status = 4
	StatusTimeout          Status = 5
	StatusDevicePanic      Status = 6
	StatusProtocolMismatch Status = 7
	StatusOutOfMemory      Status = 8
	StatusAlreadyLoaded    Status = 9
	StatusUnreferenced     Status = 10
	StatusNotReady         Status = 11
	StatusInUse            Status = 12
	StatusDeliveryFailed   Status = 13
	StatusFault            Status = 14
	StatusInternalFailure  Status = 15
)

var statusMessages = map[Status]string{
	StatusSuccess:          "success",
	StatusInvalidArgument:  "invalid argument",
	StatusNotFound:         "not found",
	StatusBusy:             "device busy, try again",
	StatusNoDevice:         "device offline",
	StatusTimeout:          "timeout",
	StatusDevicePanic:      "device panic",
	StatusProtocolMismatch: "protocol mismatch",
	StatusOutOfMemory:      "out of memory",
	StatusAlreadyLoaded:    "already loaded",
	StatusUnreferenced:     "reference released",
	StatusNotReady:         "not ready",
	StatusInUse:            "in use",
	StatusDeliveryFailed:   "response delivery failed",
	StatusFault:            "bad address",
	StatusInternalFailure:  "internal failure",
}

// String returns the human-readable status message
func (s Status) String() string {
	if msg, ok := statusMessages[s]; ok {
		return msg
	}
	return fmt.Sprintf("unknown status (%d)", int(s))
}

// Errno returns the client-visible error code for the status
func (s Status) Errno() unix.Errno {
	switch s {
	case StatusSuccess, StatusAlreadyLoaded, StatusUnreferenced:
		return 0
	case StatusInvalidArgument:
		return unix.EINVAL
	case StatusNotFound:
		return unix.ENOENT
	case StatusBusy, StatusDevicePanic:
		return unix.EBUSY
	case StatusNoDevice:
		return unix.ENODEV
	case StatusTimeout:
		return unix.ETIMEDOUT
	case StatusOutOfMemory:
		return unix.ENOMEM
	case StatusNotReady:
		return unix.EAGAIN
	case StatusInUse:
		return unix.EEXIST
	case StatusDeliveryFailed:
		return unix.ENXIO
	case StatusFault:
		return unix.EFAULT
	default:
		return unix.EIO
	}
}

// DriverError represents an error from the DSP driver core
type DriverError struct {
	Status  Status
	Context string
	Cause   error
}

// Error implements the error interface
func (e *DriverError) Error() string {
	if e.Context != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s: %v", e.Context, e.Status.String(), e.Cause)
		}
		return fmt.Sprintf("%s: %s", e.Context, e.Status.String())
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Status.String(), e.Cause)
	}
	return e.Status.String()
}

// Unwrap returns the underlying cause
func (e *DriverError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches a target status
func (e *DriverError) Is(target error) bool {
	var driverErr *DriverError
	if errors.As(target, &driverErr) {
		return e.Status == driverErr.Status
	}
	return false
}

// NewError creates a new DriverError with the given status
func NewError(status Status, context string) *DriverError {
	return &DriverError{
		Status:  status,
		Context: context,
	}
}

// NewErrorWithCause creates a new DriverError with an underlying cause
func NewErrorWithCause(status Status, context string, cause error) *DriverError {
	return &DriverError{
		Status:  status,
		Context: context,
		Cause:   cause,
	}
}

// StatusOf extracts the status carried by err. Errors that do not carry a
// status report StatusInternalFailure; nil reports StatusSuccess.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var driverErr *DriverError
	if errors.As(err, &driverErr) {
		return driverErr.Status
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return ErrnoToStatus(errno)
	}
	return StatusInternalFailure
}

// IsSuccessEquivalent reports whether err must be treated as success by
// callers: the library was already loaded, or an unload only dropped a
// reference.
func IsSuccessEquivalent(err error) bool {
	switch StatusOf(err) {
	case StatusSuccess, StatusAlreadyLoaded, StatusUnreferenced:
		return true
	}
	return false
}

// ErrnoToStatus converts a Linux errno to a driver status
func ErrnoToStatus(errno unix.Errno) Status {
	switch errno {
	case 0:
		return StatusSuccess
	case unix.ENOMEM, unix.ENOBUFS:
		return StatusOutOfMemory
	case unix.EFAULT:
		return StatusFault
	case unix.ETIMEDOUT:
		return StatusTimeout
	case unix.EBUSY:
		return StatusBusy
	case unix.ENODEV:
		return StatusNoDevice
	case unix.ENOENT:
		return StatusNotFound
	case unix.EINVAL:
		return StatusInvalidArgument
	case unix.EAGAIN:
		return StatusNotReady
	case unix.EEXIST:
		return StatusInUse
	case unix.ENXIO:
		return StatusDeliveryFailed
	default:
		return StatusInternalFailure
	}
}

// StatusFromErrno creates a DriverError from an errno
func StatusFromErrno(errno unix.Errno, context string) *DriverError {
	return &DriverError{
		Status:  ErrnoToStatus(errno),
		Context: context,
		Cause:   errno,
	}
}
