package session

import (
	"errors"
	"io"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/teleview/internal/transport"
	"github.com/1ureka/teleview/internal/util"
)

// TrackSink displays an inbound video track.
type TrackSink interface {
	HandleTrack(track transport.Track)
}

// TrackSinkFunc adapts a function to TrackSink.
type TrackSinkFunc func(track transport.Track)

func (f TrackSinkFunc) HandleTrack(track transport.Track) { f(track) }

// Sinks maps a backend name to the sink its video is shown on, so sessions
// for different cameras never share a display.
type Sinks map[string]TrackSink

// DrainSink reads RTP from a track until it ends, feeding the global stats.
// It stands in for a real decoder in the CLI viewer.
type DrainSink struct{}

func (DrainSink) HandleTrack(track transport.Track) {
	go func() {
		util.LogInfo("receiving %s track %s (stream %s)", track.Kind(), track.ID(), track.StreamID())
		buf := make([]byte, 1500)
		for {
			n, _, err := track.Read(buf)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					util.LogDebug("track %s read ended: %v", track.ID(), err)
				}
				return
			}
			util.Stats.AddRTP(n)
		}
	}()
}

var _ TrackSink = DrainSink{}

// isVideo reports whether track carries video.
func isVideo(track transport.Track) bool {
	return track.Kind() == webrtc.RTPCodecTypeVideo
}
