// Package hw defines the hardware operations the driver core consumes from a
// DSP variant: power sequencing, signaling, panic detection, the hardware
// payload carried by the synchronization handshake and the performance level
// knob.
package hw

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Ops is implemented once per hardware variant
type Ops interface {
	Enable() error
	Disable()
	Reset()
	Halt()
	// Release takes the DSP out of halt.
	Release()
	// LoadFirmware requests the named firmware image and places it where
	// the DSP boots from.
	LoadFirmware(name string) error
	SendSignal()
	PanicCheck() bool
	// SyncPayload returns the hardware-specific block written during the
	// handshake.
	SyncPayload() ([]byte, error)
	SetPerformanceLevel(level int)
}

// IRQMode selects how the DSP interrupts the host
type IRQMode int

const (
	IRQNone IRQMode = iota
	IRQLevel
	IRQEdge
	IRQEdgeSW
)

var irqModeNames = map[IRQMode]string{
	IRQNone:   "none",
	IRQLevel:  "level",
	IRQEdge:   "edge",
	IRQEdgeSW: "edge_sw",
}

func (m IRQMode) String() string {
	if s, ok := irqModeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("IRQMode(%d)", int(m))
}

// ParseIRQMode parses a configuration value
func ParseIRQMode(s string) (IRQMode, error) {
	for m, name := range irqModeNames {
		if strings.EqualFold(s, name) {
			return m, nil
		}
	}
	return IRQNone, fmt.Errorf("unknown irq mode %q", s)
}

// SyncMode is the value the DSP firmware understands. Software-triggered
// edge interrupts look like plain edge interrupts to the DSP.
func (m IRQMode) SyncMode() uint32 {
	switch m {
	case IRQLevel:
		return 1
	case IRQEdge, IRQEdgeSW:
		return 2
	default:
		return 0
	}
}

// Loopback progressively disables interaction with the DSP
type Loopback int

const (
	LoopbackNormal Loopback = iota
	// LoopbackNoIO skips firmware communication but still loads firmware
	// and drives the DSP.
	LoopbackNoIO
	// LoopbackNoMMIO also skips DSP register access.
	LoopbackNoMMIO
	// LoopbackNoFirmware also skips loading firmware.
	LoopbackNoFirmware
)

var loopbackNames = map[Loopback]string{
	LoopbackNormal:     "normal",
	LoopbackNoIO:       "noio",
	LoopbackNoMMIO:     "nommio",
	LoopbackNoFirmware: "nofirmware",
}

func (l Loopback) String() string {
	if s, ok := loopbackNames[l]; ok {
		return s
	}
	return fmt.Sprintf("Loopback(%d)", int(l))
}

// ParseLoopback parses a configuration value
func ParseLoopback(s string) (Loopback, error) {
	if s == "" {
		return LoopbackNormal, nil
	}
	for l, name := range loopbackNames {
		if strings.EqualFold(s, name) {
			return l, nil
		}
	}
	return LoopbackNormal, fmt.Errorf("unknown loopback mode %q", s)
}

// SyncData is the hardware block the host hands to the DSP at boot
type SyncData struct {
	DeviceMMIOBase  uint32
	HostIRQMode     IRQMode
	HostIRQOffset   uint32
	HostIRQBit      uint32
	DeviceIRQMode   IRQMode
	DeviceIRQOffset uint32
	DeviceIRQBit    uint32
	DeviceIRQ       uint32
	MsgAddr         uint32
	LogAddr         uint32
}

// SyncDataSize is the encoded size of SyncData
const SyncDataSize = 40

// Marshal encodes the block in the order the firmware reads it
func (s SyncData) Marshal() []byte {
	out := make([]byte, SyncDataSize)
	words := []uint32{
		s.DeviceMMIOBase,
		uint32(s.HostIRQMode),
		s.HostIRQOffset,
		s.HostIRQBit,
		s.DeviceIRQMode.SyncMode(),
		s.DeviceIRQOffset,
		s.DeviceIRQBit,
		s.DeviceIRQ,
		s.MsgAddr,
		s.LogAddr,
	}
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}
