package stream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/teleview/internal/util"
)

// Frame is a display resource wrapping one received image. It stays valid
// until Release; after that Bytes returns nil.
type Frame struct {
	Seq        uint64
	ReceivedAt time.Time

	mu       sync.Mutex
	data     []byte
	released bool
	live     *atomic.Int64
}

func newFrame(seq uint64, data []byte, at time.Time, live *atomic.Int64) *Frame {
	live.Add(1)
	util.Stats.AddFrame(len(data))
	return &Frame{Seq: seq, ReceivedAt: at, data: data, live: live}
}

// Bytes returns the encoded image, or nil once released.
func (f *Frame) Bytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data
}

// Len returns the encoded size in bytes, 0 once released.
func (f *Frame) Len() int {
	return len(f.Bytes())
}

// Released reports whether Release has been called.
func (f *Frame) Released() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

// Release drops the frame's data. Safe to call more than once and on nil.
func (f *Frame) Release() {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.released {
		return
	}
	f.released = true
	f.data = nil
	f.live.Add(-1)
	util.Stats.ReleaseFrame()
}

// FrameSink displays frames. Show is called once per installed frame, from
// the stream's read goroutine; the frame may be released right after the
// next one arrives, so sinks must not keep it beyond that. A Stop racing
// Show can release the frame while Show runs, in which case Bytes is nil.
type FrameSink interface {
	Show(f *Frame)
}

// FrameSinkFunc adapts a function to FrameSink.
type FrameSinkFunc func(f *Frame)

func (fn FrameSinkFunc) Show(f *Frame) { fn(f) }
