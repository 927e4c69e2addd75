// Package library tracks code modules loaded onto the DSP: the load/unload
// command carried under the reserved namespace id, reference counting,
// per-library state, and recovery of residency after a DSP reboot.
package library

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/anthropics/purple-vdsp/pkg/driver"
)

// Op selects what a system command does
type Op uint8

const (
	OpLoad   Op = 1
	OpUnload Op = 2
)

func (o Op) String() string {
	switch o {
	case OpLoad:
		return "load"
	case OpUnload:
		return "unload"
	default:
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
}

// System command layout
const (
	NameMax       = 32
	CommandSize   = 44
	nameOffset    = 1
	pilAddrOffset = 40
)

const systemName = "system cmd"

// SystemNSID returns the reserved namespace id, zero padded to the record
// field width
func SystemNSID() []byte {
	nsid := make([]byte, driver.CmdNamespaceIDSize)
	copy(nsid, systemName)
	return nsid
}

// IsSystemNSID reports whether nsid addresses the load/unload verb
func IsSystemNSID(nsid []byte) bool {
	return NameFromNSID(nsid) == systemName
}

// NameFromNSID returns the library name a namespace id refers to
func NameFromNSID(nsid []byte) string {
	if i := bytes.IndexByte(nsid, 0); i >= 0 {
		nsid = nsid[:i]
	}
	return string(nsid)
}

// Command is a decoded system command
type Command struct {
	Op      Op
	Name    string
	PilAddr uint32
}

// ParseCommand decodes the input payload of a system command
func ParseCommand(in []byte) (*Command, error) {
	if len(in) < CommandSize {
		return nil, driver.NewError(driver.StatusInvalidArgument,
			fmt.Sprintf("system command is %d bytes, expected %d", len(in), CommandSize))
	}

	c := &Command{
		Op:      Op(in[0]),
		Name:    NameFromNSID(in[nameOffset : nameOffset+NameMax]),
		PilAddr: binary.LittleEndian.Uint32(in[pilAddrOffset:]),
	}
	if c.Op != OpLoad && c.Op != OpUnload {
		return nil, driver.NewError(driver.StatusInvalidArgument, fmt.Sprintf("unknown system command %d", in[0]))
	}
	if c.Name == "" {
		return nil, driver.NewError(driver.StatusInvalidArgument, "system command without a library name")
	}
	return c, nil
}

// Encode builds the input payload
func (c *Command) Encode() []byte {
	out := make([]byte, CommandSize)
	out[0] = byte(c.Op)
	copy(out[nameOffset:nameOffset+NameMax], c.Name)
	binary.LittleEndian.PutUint32(out[pilAddrOffset:], c.PilAddr)
	return out
}
