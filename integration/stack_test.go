//go:build integration || benchmark

package integration

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/anthropics/purple-vdsp/internal/config"
	"github.com/anthropics/purple-vdsp/pkg/comm"
	"github.com/anthropics/purple-vdsp/pkg/device"
	"github.com/anthropics/purple-vdsp/pkg/emu"
	"github.com/anthropics/purple-vdsp/pkg/mem"
)

// stack is a device booted on the firmware emulator with heap-backed buffers
type stack struct {
	dev      *device.Device
	dsp      *emu.DSP
	provider *mem.HeapProvider
}

func newStack(tb testing.TB, toml string) *stack {
	tb.Helper()

	cfg, err := config.Decode(toml)
	if err != nil {
		tb.Fatalf("bad configuration: %v", err)
	}

	window, err := comm.MapAnonymous(cfg.Memory.SharedSize)
	if err != nil {
		tb.Fatalf("failed to map shared window: %v", err)
	}
	tb.Cleanup(func() { comm.Unmap(window) })
	region, err := comm.NewRegion(window, 0x10000000)
	if err != nil {
		tb.Fatalf("failed to create region: %v", err)
	}

	provider := mem.NewHeapProvider()
	tb.Cleanup(func() { provider.Close() })

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	dsp := emu.New(region, emu.Options{Resolver: provider, Log: log.WithField("component", "emu")})
	tb.Cleanup(dsp.Halt)

	opts, err := cfg.DeviceOptions()
	if err != nil {
		tb.Fatalf("DeviceOptions failed: %v", err)
	}
	opts.Ops = dsp
	opts.Provider = provider
	opts.Region = region
	opts.Log = log.WithField("component", "device")

	dev, err := device.New(opts)
	if err != nil {
		tb.Fatalf("device.New failed: %v", err)
	}
	dsp.SetIRQHandler(func() { dev.HandleIRQ() })
	tb.Cleanup(func() { dev.Close() })

	return &stack{dev: dev, dsp: dsp, provider: provider}
}

func (s *stack) open(tb testing.TB) *device.Client {
	tb.Helper()
	c, err := s.dev.Open(context.Background())
	if err != nil {
		tb.Fatalf("Open failed: %v", err)
	}
	tb.Cleanup(func() { c.Close() })
	return c
}

// buffer allocates a provider buffer holding data
func (s *stack) buffer(tb testing.TB, data []byte) *mem.Buffer {
	tb.Helper()
	b, err := s.provider.Allocate(len(data), mem.PoolSystem)
	if err != nil {
		tb.Fatalf("Allocate failed: %v", err)
	}
	view, err := s.provider.MapKernel(b)
	if err != nil {
		tb.Fatalf("MapKernel failed: %v", err)
	}
	defer s.provider.UnmapKernel(b)
	copy(view, data)
	return b
}

// read returns the current contents of a buffer made by buffer
func (s *stack) read(tb testing.TB, b *mem.Buffer) []byte {
	tb.Helper()
	view, err := s.provider.MapKernel(b)
	if err != nil {
		tb.Fatalf("MapKernel failed: %v", err)
	}
	defer s.provider.UnmapKernel(b)
	return append([]byte(nil), view...)
}
