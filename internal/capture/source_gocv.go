//go:build gocv

package capture

import (
	"context"
	"fmt"

	"gocv.io/x/gocv"

	"detectd/pkg/types"
)

// CameraSource reads frames from a device index, file, or RTSP URL through
// OpenCV. Compiled only with the 'gocv' build tag so default builds stay
// CGO-free.
type CameraSource struct {
	cap *gocv.VideoCapture
	img gocv.Mat
}

// NewCameraSource opens the capture device named by uri (a device index
// like "0", a file path, or an rtsp:// URL).
func NewCameraSource(uri string) (FrameSource, error) {
	cap, err := gocv.OpenVideoCapture(uri)
	if err != nil {
		return nil, fmt.Errorf("open capture %q: %w", uri, err)
	}
	return &CameraSource{cap: cap, img: gocv.NewMat()}, nil
}

func (s *CameraSource) Next(ctx context.Context) (types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return types.Frame{}, err
	}
	if ok := s.cap.Read(&s.img); !ok || s.img.Empty() {
		return types.Frame{}, fmt.Errorf("capture read failed")
	}
	// OpenCV delivers 8UC3 BGR; hand the raw buffer to the preprocessor
	// with the format tagged rather than converting here.
	buf := s.img.ToBytes()
	px := make([]byte, len(buf))
	copy(px, buf)
	return types.Frame{
		Pixels: px,
		Width:  s.img.Cols(),
		Height: s.img.Rows(),
		Format: types.PixelBGR,
	}, nil
}

func (s *CameraSource) Close() error {
	s.img.Close()
	return s.cap.Close()
}
