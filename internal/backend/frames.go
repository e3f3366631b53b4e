package backend

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/teleview/internal/util"
)

// FrameSource renders the seq-th frame of a camera as an encoded image.
type FrameSource interface {
	Frame(camera string, seq uint64) ([]byte, error)
}

// TestPattern is a FrameSource drawing a moving gradient, in colour for rgb
// and grayscale for depth.
type TestPattern struct {
	Width, Height int // defaults 320x240
	Quality       int // JPEG quality, defaults 70
}

func (p TestPattern) Frame(camera string, seq uint64) ([]byte, error) {
	w, h := p.Width, p.Height
	if w <= 0 || h <= 0 {
		w, h = 320, 240
	}
	quality := p.Quality
	if quality <= 0 {
		quality = 70
	}
	shift := int(seq * 4)
	bounds := image.Rect(0, 0, w, h)

	var img image.Image
	if camera == "depth" {
		gray := image.NewGray(bounds)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				gray.SetGray(x, y, color.Gray{Y: uint8((x + y + shift) % 256)})
			}
		}
		img = gray
	} else {
		rgba := image.NewRGBA(bounds)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				rgba.SetRGBA(x, y, color.RGBA{
					R: uint8((x + shift) % 256),
					G: uint8((y + shift) % 256),
					B: 128,
					A: 255,
				})
			}
		}
		img = rgba
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// handleFrames pushes one binary JPEG per frame interval until the client
// leaves.
func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	camera := r.PathValue("camera")
	if !slices.Contains(Cameras, camera) {
		writeJSONError(w, http.StatusNotFound, "unknown_camera", "no camera named "+camera)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	util.LogInfo("%s frame socket opened from %s", camera, r.RemoteAddr)

	// The client never sends data; reading detects when it goes away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	interval := s.frameInterval()
	ticker := s.cfg.Clock.Ticker(interval)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-gone:
			util.LogInfo("%s frame socket from %s closed after %d frames", camera, r.RemoteAddr, seq)
			return
		case <-s.quit:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			return
		case <-ticker.C:
			data, err := s.cfg.Frames.Frame(camera, seq)
			if err != nil {
				util.LogError("%s frame %d: %v", camera, seq, err)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(interval * 10))
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				util.LogDebug("%s frame socket write: %v", camera, err)
				return
			}
			seq++
		}
	}
}
