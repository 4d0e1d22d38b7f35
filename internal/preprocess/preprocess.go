// Package preprocess converts raw captured frames into fixed-shape
// normalized tensors matching a model's input contract. Every function is
// pure: no shared state, safe for any number of concurrent frames.
package preprocess

import (
	"image"
	"image/color"

	"github.com/nfnt/resize"

	"detectd/pkg/types"
)

// MinDimension is the smallest accepted frame edge, carried over from the
// original service's "dimensions too small" check.
const MinDimension = 10

// Contract is the slice of a model handle the preprocessor needs.
type Contract struct {
	Channels int
	Height   int
	Width    int
	Mean     []float64
	Scale    []float64
}

// Prepare validates a frame and produces a normalized CHW tensor of the
// contract's shape: orientation applied, aspect-preserving resize with
// black letterbox padding, then channel-wise (v/255 - mean) / scale.
func Prepare(frame *types.Frame, c Contract) (types.Tensor, error) {
	img, err := frameImage(frame)
	if err != nil {
		return types.Tensor{}, err
	}
	if c.Channels != 1 && c.Channels != 3 {
		return types.Tensor{}, ErrInvalidInput("unsupported channel count %d", c.Channels)
	}
	if len(c.Mean) != c.Channels || len(c.Scale) != c.Channels {
		return types.Tensor{}, ErrInvalidInput("mean/scale do not match %d channels", c.Channels)
	}

	fitted := letterbox(img, c.Width, c.Height)
	data := make([]float32, c.Channels*c.Height*c.Width)
	plane := c.Height * c.Width
	for y := 0; y < c.Height; y++ {
		for x := 0; x < c.Width; x++ {
			r, g, b, _ := fitted.At(x, y).RGBA()
			i := y*c.Width + x
			if c.Channels == 1 {
				// ITU-R 601 luma over 8-bit channels.
				gray := (299*float64(r>>8) + 587*float64(g>>8) + 114*float64(b>>8)) / 1000
				data[i] = float32((gray/255 - c.Mean[0]) / c.Scale[0])
				continue
			}
			data[i] = float32((float64(r>>8)/255 - c.Mean[0]) / c.Scale[0])
			data[plane+i] = float32((float64(g>>8)/255 - c.Mean[1]) / c.Scale[1])
			data[2*plane+i] = float32((float64(b>>8)/255 - c.Mean[2]) / c.Scale[2])
		}
	}
	return types.Tensor{Data: data, Channels: c.Channels, Height: c.Height, Width: c.Width}, nil
}

// frameImage validates the raw buffer and returns it as an image with
// orientation applied.
func frameImage(f *types.Frame) (image.Image, error) {
	if f.Empty() {
		return nil, ErrInvalidInput("empty frame")
	}
	if f.Width < MinDimension || f.Height < MinDimension {
		return nil, ErrInvalidInput("frame %dx%d below minimum %dpx", f.Width, f.Height, MinDimension)
	}
	expect := f.Width * f.Height * f.Format.Channels()
	if len(f.Pixels) != expect {
		return nil, ErrInvalidInput("pixel buffer length %d does not match %dx%d %d-channel frame",
			len(f.Pixels), f.Width, f.Height, f.Format.Channels())
	}
	img := rawToRGBA(f)
	switch f.Orientation {
	case 0:
	case 90, 180, 270:
		img = rotate(img, f.Orientation)
	default:
		return nil, ErrInvalidInput("unsupported orientation %d", f.Orientation)
	}
	return img, nil
}

func rawToRGBA(f *types.Frame) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	ch := f.Format.Channels()
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			src := (y*f.Width + x) * ch
			var r, g, b uint8
			switch f.Format {
			case types.PixelGray:
				r, g, b = f.Pixels[src], f.Pixels[src], f.Pixels[src]
			case types.PixelBGR:
				b, g, r = f.Pixels[src], f.Pixels[src+1], f.Pixels[src+2]
			default: // PixelRGB
				r, g, b = f.Pixels[src], f.Pixels[src+1], f.Pixels[src+2]
			}
			img.SetRGBA(x, y, color.RGBA{R: r, G: g, B: b, A: 0xff})
		}
	}
	return img
}

func rotate(img *image.RGBA, degrees int) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	var out *image.RGBA
	switch degrees {
	case 90:
		out = image.NewRGBA(image.Rect(0, 0, h, w))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out.SetRGBA(h-1-y, x, img.RGBAAt(x, y))
			}
		}
	case 180:
		out = image.NewRGBA(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out.SetRGBA(w-1-x, h-1-y, img.RGBAAt(x, y))
			}
		}
	case 270:
		out = image.NewRGBA(image.Rect(0, 0, h, w))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out.SetRGBA(y, w-1-x, img.RGBAAt(x, y))
			}
		}
	}
	return out
}

// letterbox scales img to fit targetW x targetH preserving aspect ratio and
// centers it on a black canvas.
func letterbox(img image.Image, targetW, targetH int) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	scale := minf(float64(targetW)/float64(w), float64(targetH)/float64(h))
	newW, newH := int(float64(w)*scale), int(float64(h)*scale)
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}
	scaled := resize.Resize(uint(newW), uint(newH), img, resize.Bilinear)

	canvas := image.NewRGBA(image.Rect(0, 0, targetW, targetH))
	offX := (targetW - newW) / 2
	offY := (targetH - newH) / 2
	for y := 0; y < newH; y++ {
		for x := 0; x < newW; x++ {
			r, g, bb, _ := scaled.At(x, y).RGBA()
			canvas.SetRGBA(offX+x, offY+y, color.RGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(bb >> 8), A: 0xff})
		}
	}
	return canvas
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
