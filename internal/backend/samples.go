package backend

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"

	"github.com/1ureka/teleview/internal/util"
)

// SampleSource produces encoded VP8 samples for a WebRTC track. A source may
// also implement io.Closer; it is closed when its peer goes away.
type SampleSource interface {
	NextSample(duration time.Duration) (media.Sample, error)
}

func closeSource(src SampleSource) {
	if c, ok := src.(io.Closer); ok {
		if err := c.Close(); err != nil {
			util.LogDebug("close sample source: %v", err)
		}
	}
}

// ---------------------------------------------------------------------------
// Synthetic
// ---------------------------------------------------------------------------

// SyntheticSource emits VP8-framed placeholder samples: a key frame header
// every KeyInterval samples and small inter frames in between. The payload is
// not decodable video; it exercises packetization and RTP delivery only.
type SyntheticSource struct {
	Width, Height int // defaults 640x480
	KeyInterval   int // defaults 30

	n int
}

func (s *SyntheticSource) NextSample(duration time.Duration) (media.Sample, error) {
	width, height := s.Width, s.Height
	if width <= 0 || height <= 0 {
		width, height = 640, 480
	}
	keyInterval := s.KeyInterval
	if keyInterval <= 0 {
		keyInterval = 30
	}

	var data []byte
	if s.n%keyInterval == 0 {
		// 3-byte frame tag (key frame, shown), start code, dimensions.
		data = make([]byte, 10, 64)
		data[0] = 0x10
		copy(data[3:6], []byte{0x9d, 0x01, 0x2a})
		binary.LittleEndian.PutUint16(data[6:8], uint16(width))
		binary.LittleEndian.PutUint16(data[8:10], uint16(height))
		data = append(data, make([]byte, 54)...)
	} else {
		data = make([]byte, 16)
		data[0] = 0x11
	}
	data[len(data)-1] = byte(s.n)
	s.n++

	return media.Sample{Data: data, Duration: duration}, nil
}

// ---------------------------------------------------------------------------
// IVF file
// ---------------------------------------------------------------------------

// IVFSource loops over the frames of a VP8 IVF file.
type IVFSource struct {
	path   string
	file   *os.File
	reader *ivfreader.IVFReader
	frames int
}

// OpenIVF opens path and checks that it carries VP8.
func OpenIVF(path string) (*IVFSource, error) {
	s := &IVFSource{path: path}
	if err := s.rewind(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *IVFSource) rewind() error {
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.path, err)
	}
	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("read ivf header of %s: %w", s.path, err)
	}
	if header.FourCC != "VP80" {
		f.Close()
		return fmt.Errorf("%s: unsupported codec %q, want VP80", s.path, header.FourCC)
	}
	s.file = f
	s.reader = reader
	s.frames = 0
	return nil
}

// NextSample returns the next frame, starting over at the end of the file.
func (s *IVFSource) NextSample(duration time.Duration) (media.Sample, error) {
	if s.reader == nil {
		return media.Sample{}, errors.New("ivf source closed")
	}
	frame, _, err := s.reader.ParseNextFrame()
	if errors.Is(err, io.EOF) && s.frames > 0 {
		if err := s.rewind(); err != nil {
			return media.Sample{}, err
		}
		frame, _, err = s.reader.ParseNextFrame()
	}
	if err != nil {
		return media.Sample{}, fmt.Errorf("%s: %w", s.path, err)
	}
	s.frames++
	return media.Sample{Data: frame, Duration: duration}, nil
}

func (s *IVFSource) Close() error {
	s.reader = nil
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
