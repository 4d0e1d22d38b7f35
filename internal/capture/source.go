package capture

import (
	"context"

	"detectd/pkg/types"
)

// FrameSource produces raw frames. Next blocks until a frame is available
// or the context is done. Implementations are driven by a single controller
// goroutine and need no internal locking.
type FrameSource interface {
	Next(ctx context.Context) (types.Frame, error)
	Close() error
}

// SyntheticSource generates RGB test frames with a band that moves one row
// per frame, so consecutive frames fingerprint differently unless frozen.
type SyntheticSource struct {
	width  int
	height int
	n      int
	frozen bool
}

// NewSyntheticSource returns a synthetic generator of w x h RGB frames.
func NewSyntheticSource(w, h int) *SyntheticSource {
	if w < 16 {
		w = 16
	}
	if h < 16 {
		h = 16
	}
	return &SyntheticSource{width: w, height: h}
}

// Freeze makes every subsequent frame identical, which exercises the
// prediction cache's fingerprint path.
func (s *SyntheticSource) Freeze() { s.frozen = true }

func (s *SyntheticSource) Next(ctx context.Context) (types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return types.Frame{}, err
	}
	step := s.n
	if s.frozen {
		step = 0
	}
	px := make([]byte, s.width*s.height*3)
	band := step % s.height
	for y := 0; y < s.height; y++ {
		v := byte(32)
		if y >= band && y < band+s.height/8+1 {
			v = 224
		}
		row := y * s.width * 3
		for x := 0; x < s.width; x++ {
			i := row + x*3
			px[i] = v
			px[i+1] = v / 2
			px[i+2] = byte(x * 255 / s.width)
		}
	}
	s.n++
	return types.Frame{Pixels: px, Width: s.width, Height: s.height, Format: types.PixelRGB}, nil
}

func (s *SyntheticSource) Close() error { return nil }
