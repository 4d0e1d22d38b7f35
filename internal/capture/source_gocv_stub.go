//go:build !gocv

package capture

import "fmt"

// Stub compiled when the 'gocv' build tag is NOT set, keeping default
// builds and CI CGO-free.

// NewCameraSource fails fast: OpenCV capture is not built.
func NewCameraSource(uri string) (FrameSource, error) {
	return nil, fmt.Errorf("camera capture not built (missing 'gocv' build tag)")
}
