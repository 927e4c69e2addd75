//go:build benchmark

package integration

import (
	"context"
	"testing"

	"github.com/anthropics/purple-vdsp/pkg/dvfs"
	"github.com/anthropics/purple-vdsp/pkg/request"
	"github.com/anthropics/purple-vdsp/testutil"
)

const benchConfig = `
irq_mode = "edge"
queue_priorities = [2, 1, 0]
command_timeout = "5s"
`

// BenchmarkSubmitInline measures a round trip with inline payloads
func BenchmarkSubmitInline(b *testing.B) {
	s := newStack(b, benchConfig)
	c := s.open(b)
	in := []byte("0123456789abcdef")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := &request.Request{
			In:  request.Payload{Size: len(in), Data: in},
			Out: request.Payload{Size: len(in)},
		}
		if err := c.Submit(context.Background(), req); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkSubmitOutOfLine measures a round trip that maps client buffers
func BenchmarkSubmitOutOfLine(b *testing.B) {
	s := newStack(b, benchConfig)
	c := s.open(b)
	in := s.buffer(b, testutil.MakeRandomBytes(4096))
	out := s.buffer(b, make([]byte, 4096))
	aux := s.buffer(b, make([]byte, 1024))
	refs := []request.BufferRef{
		{Handle: aux.Handle, Size: aux.Size, Access: request.AccessRead},
		{Handle: aux.Handle, Size: aux.Size, Access: request.AccessWrite},
	}

	b.SetBytes(4096)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		err := c.Submit(context.Background(), &request.Request{
			In:      request.Payload{Size: 4096, Handle: in.Handle},
			Out:     request.Payload{Size: 4096, Handle: out.Handle},
			Buffers: refs,
		})
		if err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkConcurrentSubmit measures throughput across every queue
func BenchmarkConcurrentSubmit(b *testing.B) {
	s := newStack(b, benchConfig)

	b.SetParallelism(4)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		c, err := s.dev.Open(context.Background())
		if err != nil {
			b.Error(err)
			return
		}
		defer c.Close()
		prio := 0
		for pb.Next() {
			in := []byte{byte(prio)}
			if err := c.Submit(context.Background(), &request.Request{
				Priority: prio % 3,
				In:       request.Payload{Size: 1, Data: in},
				Out:      request.Payload{Size: 1},
			}); err != nil {
				b.Error(err)
				return
			}
			prio++
		}
	})
}

// BenchmarkHysteresis measures the level table on a sawtooth trace
func BenchmarkHysteresis(b *testing.B) {
	var h dvfs.Hysteresis
	for i := 0; i < b.N; i++ {
		h.Step(i % 101)
	}
}
