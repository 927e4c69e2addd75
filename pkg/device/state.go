package device

import (
	"fmt"
	"strings"
)

// State is the power state of a device context
type State int

const (
	// StateIdle means no client holds the device and the DSP is halted.
	StateIdle State = iota
	// StateOnline means the DSP is running and synchronized.
	StateOnline
	// StateOffline means boot or a reboot failed. Submissions fail fast
	// until every client has closed and the device is opened again.
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Recovery selects how libraries are restored after a DSP reboot
type Recovery int

const (
	// RecoveryLazy marks every library missed; commands addressed to a
	// missed library fail until a client loads it again.
	RecoveryLazy Recovery = iota
	// RecoveryEager reloads every referenced library from its backup
	// image as part of the reboot.
	RecoveryEager
)

func (r Recovery) String() string {
	switch r {
	case RecoveryLazy:
		return "lazy"
	case RecoveryEager:
		return "eager"
	default:
		return fmt.Sprintf("Recovery(%d)", int(r))
	}
}

// ParseRecovery parses a configuration value; empty selects RecoveryLazy
func ParseRecovery(s string) (Recovery, error) {
	switch strings.ToLower(s) {
	case "", "lazy":
		return RecoveryLazy, nil
	case "eager":
		return RecoveryEager, nil
	default:
		return RecoveryLazy, fmt.Errorf("unknown library recovery policy %q", s)
	}
}
