package preprocess

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"detectd/pkg/types"
)

// Fingerprint grid and quantization parameters. The frame is reduced to a
// coarse grayscale grid and each cell quantized to 4 bits before hashing,
// so two captures of the same scene hash identically despite sensor noise.
const (
	fingerprintGrid  = 16
	fingerprintShift = 4 // bucket width of 16 gray levels per cell
)

// Fingerprint computes a content hash for a raw frame. Frames that differ
// only by low-amplitude pixel noise produce the same fingerprint; frames of
// different scenes, dimensions, or orientations do not.
func Fingerprint(frame types.Frame) uint64 {
	if frame.Empty() {
		return 0
	}

	ch := frame.Format.Channels()
	cellW := frame.Width / fingerprintGrid
	cellH := frame.Height / fingerprintGrid
	if cellW == 0 {
		cellW = 1
	}
	if cellH == 0 {
		cellH = 1
	}

	var cells [fingerprintGrid * fingerprintGrid]byte
	for gy := 0; gy < fingerprintGrid; gy++ {
		for gx := 0; gx < fingerprintGrid; gx++ {
			x0, y0 := gx*cellW, gy*cellH
			if x0 >= frame.Width || y0 >= frame.Height {
				continue
			}
			x1, y1 := x0+cellW, y0+cellH
			if x1 > frame.Width {
				x1 = frame.Width
			}
			if y1 > frame.Height {
				y1 = frame.Height
			}

			var sum, n uint64
			for y := y0; y < y1; y++ {
				row := y * frame.Width * ch
				for x := x0; x < x1; x++ {
					sum += uint64(grayAt(frame.Pixels, row+x*ch, frame.Format))
					n++
				}
			}
			if n > 0 {
				// Round the cell mean and offset by half a bucket before
				// quantizing; a mean sitting on a raw bucket boundary would
				// otherwise flip under one count of sensor noise.
				mean := (sum + n/2) / n
				cells[gy*fingerprintGrid+gx] = byte((mean + 1<<(fingerprintShift-1)) >> fingerprintShift)
			}
		}
	}

	var header [16]byte
	binary.LittleEndian.PutUint32(header[0:], uint32(frame.Width))
	binary.LittleEndian.PutUint32(header[4:], uint32(frame.Height))
	binary.LittleEndian.PutUint32(header[8:], uint32(frame.Orientation))
	binary.LittleEndian.PutUint32(header[12:], uint32(frame.Format))

	d := xxhash.New()
	_, _ = d.Write(header[:])
	_, _ = d.Write(cells[:])
	return d.Sum64()
}

func grayAt(pixels []byte, off int, format types.PixelFormat) byte {
	switch format {
	case types.PixelRGB:
		return luma(pixels[off], pixels[off+1], pixels[off+2])
	case types.PixelBGR:
		return luma(pixels[off+2], pixels[off+1], pixels[off])
	default:
		return pixels[off]
	}
}

func luma(r, g, b byte) byte {
	// ITU-R BT.601 integer approximation.
	return byte((299*uint32(r) + 587*uint32(g) + 114*uint32(b)) / 1000)
}
