// Package config loads the driver configuration from a TOML file
package config

import (
	"fmt"
	"io"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/anthropics/purple-vdsp/pkg/device"
	"github.com/anthropics/purple-vdsp/pkg/driver"
	"github.com/anthropics/purple-vdsp/pkg/dvfs"
	"github.com/anthropics/purple-vdsp/pkg/hw"
)

// Defaults
const (
	DefaultSharedSize = 64 * 1024
	DefaultInitLevel  = int(dvfs.Level5)
)

// Duration is a time.Duration written as a string such as "100s"
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DVFS configures the performance level controller
type DVFS struct {
	Enabled   *bool    `toml:"enabled"`
	Period    Duration `toml:"period"`
	InitLevel int      `toml:"init_level"`
}

// Memory describes the shared window
type Memory struct {
	SharedSize int    `toml:"shared_size"`
	DeviceBase uint32 `toml:"device_base"`
	// Path is an optional character device exposing the window. Without
	// it the window is anonymous memory.
	Path string `toml:"path"`
}

// Config is the configuration of one device
type Config struct {
	Name            string   `toml:"name"`
	Firmware        string   `toml:"firmware"`
	CommandTimeout  Duration `toml:"command_timeout"`
	IRQMode         string   `toml:"irq_mode"`
	HostIRQ         bool     `toml:"host_irq"`
	QueuePriorities []uint32 `toml:"queue_priorities"`
	FirmwareReboot  *bool    `toml:"firmware_reboot"`
	LibraryRecovery string   `toml:"library_recovery"`
	Loopback        string   `toml:"loopback"`

	DVFS   DVFS   `toml:"dvfs"`
	Memory Memory `toml:"memory"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load decodes, completes and validates the configuration file at path
func Load(path string) (*Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, driver.NewErrorWithCause(driver.StatusInvalidArgument,
			fmt.Sprintf("decode config file %q", path), err)
	}
	return finish(&c)
}

// Decode is Load for a configuration held in memory
func Decode(data string) (*Config, error) {
	var c Config
	if _, err := toml.Decode(data, &c); err != nil {
		return nil, driver.NewErrorWithCause(driver.StatusInvalidArgument, "decode config", err)
	}
	return finish(&c)
}

func finish(c *Config) (*Config, error) {
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func boolPtr(v bool) *bool { return &v }

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "vdsp0"
	}
	if c.CommandTimeout.Duration == 0 {
		c.CommandTimeout.Duration = device.DefaultCommandTimeout
	}
	if c.IRQMode == "" {
		c.IRQMode = hw.IRQNone.String()
	}
	if len(c.QueuePriorities) == 0 {
		c.QueuePriorities = []uint32{0}
	}
	if c.FirmwareReboot == nil {
		c.FirmwareReboot = boolPtr(true)
	}
	if c.LibraryRecovery == "" {
		c.LibraryRecovery = device.RecoveryLazy.String()
	}
	if c.Loopback == "" {
		c.Loopback = hw.LoopbackNormal.String()
	}
	if c.DVFS.Enabled == nil {
		c.DVFS.Enabled = boolPtr(true)
	}
	if c.DVFS.Period.Duration == 0 {
		c.DVFS.Period.Duration = dvfs.DefaultPeriod
	}
	if c.DVFS.InitLevel == 0 {
		c.DVFS.InitLevel = DefaultInitLevel
	}
	if c.Memory.SharedSize == 0 {
		c.Memory.SharedSize = DefaultSharedSize
	}
}

func invalid(key string, format string, args ...interface{}) error {
	return driver.NewError(driver.StatusInvalidArgument, key+": "+fmt.Sprintf(format, args...))
}

// Validate checks every value and reports the first bad key
func (c *Config) Validate() error {
	if c.CommandTimeout.Duration < 0 {
		return invalid("command_timeout", "must be positive, got %v", c.CommandTimeout.Duration)
	}
	if _, err := hw.ParseIRQMode(c.IRQMode); err != nil {
		return invalid("irq_mode", "%v", err)
	}
	if _, err := device.ParseRecovery(c.LibraryRecovery); err != nil {
		return invalid("library_recovery", "%v", err)
	}
	if _, err := hw.ParseLoopback(c.Loopback); err != nil {
		return invalid("loopback", "%v", err)
	}
	if c.DVFS.Period.Duration < 0 {
		return invalid("dvfs.period", "must be positive, got %v", c.DVFS.Period.Duration)
	}
	if l := dvfs.Level(c.DVFS.InitLevel); l == dvfs.LevelAuto || !l.Valid() {
		return invalid("dvfs.init_level", "%d is not between %d and %d",
			c.DVFS.InitLevel, int(dvfs.LevelMin), int(dvfs.LevelMax))
	}
	if c.Memory.SharedSize <= 0 || c.Memory.SharedSize%4 != 0 {
		return invalid("memory.shared_size", "%d is not a positive multiple of 4", c.Memory.SharedSize)
	}
	if need := len(c.QueuePriorities) * driver.CmdStride; need > c.Memory.SharedSize {
		return invalid("queue_priorities", "%d queues need %d bytes, memory.shared_size is %d",
			len(c.QueuePriorities), need, c.Memory.SharedSize)
	}
	return nil
}

// DeviceOptions converts the configuration into device options. The caller
// supplies the collaborators: hardware ops, buffer provider and window.
// Missing values take their defaults.
func (c *Config) DeviceOptions() (device.Options, error) {
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return device.Options{}, err
	}
	// Validate has already rejected unparsable values.
	irq, _ := hw.ParseIRQMode(c.IRQMode)
	rec, _ := device.ParseRecovery(c.LibraryRecovery)
	lb, _ := hw.ParseLoopback(c.Loopback)

	opts := device.Options{
		Name:           c.Name,
		Firmware:       c.Firmware,
		CommandTimeout: c.CommandTimeout.Duration,
		IRQMode:        irq,
		HostIRQ:        c.HostIRQ,
		Priorities:     append([]uint32(nil), c.QueuePriorities...),
		FirmwareReboot: *c.FirmwareReboot,
		Recovery:       rec,
		Loopback:       lb,
	}
	if *c.DVFS.Enabled {
		opts.DVFS = &dvfs.Options{
			Period:    c.DVFS.Period.Duration,
			InitLevel: dvfs.Level(c.DVFS.InitLevel),
		}
	}
	return opts, nil
}

// Write prints the configuration as TOML
func (c *Config) Write(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}
