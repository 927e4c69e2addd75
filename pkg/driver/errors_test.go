//go:build unit

package driver

import (
	"errors"
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
)

func TestAllStatusCodesHaveMessages(t *testing.T) {
	statuses := []Status{
		StatusSuccess,
		StatusInvalidArgument,
		StatusNotFound,
		StatusBusy,
		StatusNoDevice,
		StatusTimeout,
		StatusDevicePanic,
		StatusProtocolMismatch,
		StatusOutOfMemory,
		StatusAlreadyLoaded,
		StatusUnreferenced,
		StatusNotReady,
		StatusInUse,
		StatusDeliveryFailed,
		StatusFault,
		StatusInternalFailure,
	}

	for _, status := range statuses {
		msg := status.String()
		if msg == "" {
			t.Errorf("status %d has empty message", status)
		}
		if len(msg) >= 8 && msg[:8] == "unknown " {
			t.Errorf("status %d has no defined message: %s", status, msg)
		}
	}
}

func TestStatusStringReturnsUnknownForUndefinedStatus(t *testing.T) {
	msg := Status(9999).String()
	if msg != "unknown status (9999)" {
		t.Errorf("expected 'unknown status (9999)', got '%s'", msg)
	}
}

func TestDriverErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		err      *DriverError
		expected string
	}{
		{
			name:     "status only",
			err:      &DriverError{Status: StatusInvalidArgument},
			expected: "invalid argument",
		},
		{
			name:     "with context",
			err:      &DriverError{Status: StatusNoDevice, Context: "submit"},
			expected: "submit: device offline",
		},
		{
			name:     "with cause",
			err:      &DriverError{Status: StatusInternalFailure, Cause: unix.ENOENT},
			expected: "internal failure: no such file or directory",
		},
		{
			name: "with context and cause",
			err: &DriverError{
				Status:  StatusOutOfMemory,
				Context: "allocating library code",
				Cause:   unix.ENOMEM,
			},
			expected: "allocating library code: out of memory: cannot allocate memory",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("expected '%s', got '%s'", tt.expected, got)
			}
		})
	}
}

func TestDriverErrorUnwrap(t *testing.T) {
	err := NewErrorWithCause(StatusNotFound, "lookup", unix.ENOENT)
	if err.Unwrap() != unix.ENOENT {
		t.Errorf("Unwrap() returned %v, expected ENOENT", err.Unwrap())
	}
	if !errors.Is(err, unix.ENOENT) {
		t.Error("errors.Is should see through to the cause")
	}
}

func TestDriverErrorIs(t *testing.T) {
	err1 := NewError(StatusBusy, "queue 0")
	err2 := NewError(StatusBusy, "queue 1")
	err3 := NewError(StatusTimeout, "")

	if !errors.Is(err1, err2) {
		t.Error("errors.Is should return true for same status")
	}
	if errors.Is(err1, err3) {
		t.Error("errors.Is should return false for different status")
	}

	wrapped := fmt.Errorf("submit: %w", err1)
	if !errors.Is(wrapped, NewError(StatusBusy, "")) {
		t.Error("errors.Is should match a wrapped status")
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Status
	}{
		{"nil", nil, StatusSuccess},
		{"driver error", NewError(StatusNoDevice, ""), StatusNoDevice},
		{"wrapped", fmt.Errorf("x: %w", NewError(StatusInUse, "")), StatusInUse},
		{"errno", unix.EBUSY, StatusBusy},
		{"plain", errors.New("boom"), StatusInternalFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusOf(tt.err); got != tt.expected {
				t.Errorf("StatusOf() = %v, expected %v", got, tt.expected)
			}
		})
	}
}

func TestIsSuccessEquivalent(t *testing.T) {
	if !IsSuccessEquivalent(nil) {
		t.Error("nil should be success-equivalent")
	}
	if !IsSuccessEquivalent(NewError(StatusAlreadyLoaded, "lib")) {
		t.Error("already loaded should be success-equivalent")
	}
	if !IsSuccessEquivalent(NewError(StatusUnreferenced, "lib")) {
		t.Error("reference drop should be success-equivalent")
	}
	if IsSuccessEquivalent(NewError(StatusNotFound, "lib")) {
		t.Error("not found must surface as an error")
	}
}

func TestErrnoToStatus(t *testing.T) {
	tests := []struct {
		errno    unix.Errno
		expected Status
	}{
		{unix.ENOMEM, StatusOutOfMemory},
		{unix.ENOBUFS, StatusOutOfMemory},
		{unix.EFAULT, StatusFault},
		{unix.ETIMEDOUT, StatusTimeout},
		{unix.EBUSY, StatusBusy},
		{unix.ENODEV, StatusNoDevice},
		{unix.ENOENT, StatusNotFound},
		{unix.EINVAL, StatusInvalidArgument},
		{unix.ENXIO, StatusDeliveryFailed},
		{unix.EPERM, StatusInternalFailure}, // unmapped errno
	}

	for _, tt := range tests {
		t.Run(tt.errno.Error(), func(t *testing.T) {
			if got := ErrnoToStatus(tt.errno); got != tt.expected {
				t.Errorf("ErrnoToStatus(%v) = %d, expected %d", tt.errno, got, tt.expected)
			}
		})
	}
}

func TestErrnoRoundTrip(t *testing.T) {
	for _, status := range []Status{
		StatusInvalidArgument, StatusNotFound, StatusBusy, StatusNoDevice,
		StatusTimeout, StatusOutOfMemory, StatusFault, StatusDeliveryFailed,
	} {
		if got := ErrnoToStatus(status.Errno()); got != status {
			t.Errorf("%v: errno %v maps back to %v", status, status.Errno(), got)
		}
	}
}

func TestSuccessEquivalentStatusesHaveNoErrno(t *testing.T) {
	for _, status := range []Status{StatusSuccess, StatusAlreadyLoaded, StatusUnreferenced} {
		if status.Errno() != 0 {
			t.Errorf("%v should map to errno 0, got %v", status, status.Errno())
		}
	}
}

func TestStatusFromErrno(t *testing.T) {
	err := StatusFromErrno(unix.ETIMEDOUT, "waiting for completion")

	if err.Status != StatusTimeout {
		t.Errorf("expected StatusTimeout, got %d", err.Status)
	}
	if err.Context != "waiting for completion" {
		t.Errorf("unexpected context '%s'", err.Context)
	}
	if err.Cause != unix.ETIMEDOUT {
		t.Errorf("expected cause ETIMEDOUT, got %v", err.Cause)
	}
}

func TestStatusSuccessIsZero(t *testing.T) {
	if StatusSuccess != 0 {
		t.Errorf("StatusSuccess should be 0, got %d", StatusSuccess)
	}
}
