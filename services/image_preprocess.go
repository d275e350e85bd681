package services

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
)

// minOCRWidth is the width below which scans are upscaled before OCR.
const minOCRWidth = 1600

// PreprocessImage prepares a scan for handwriting OCR: grayscale, linear
// contrast stretch, a 3x3 sharpen and a CatmullRom upscale for small scans.
// The result is always PNG.
func PreprocessImage(raw []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, NewPipelineError(KindUnsupportedFormat, "preprocess", fmt.Errorf("decode image: %w", err))
	}

	gray := toGray(src)
	stretchContrast(gray)
	sharpened := sharpen(gray)

	out := image.Image(sharpened)
	if w := sharpened.Bounds().Dx(); w > 0 && w < minOCRWidth {
		scale := float64(minOCRWidth) / float64(w)
		h := int(float64(sharpened.Bounds().Dy()) * scale)
		dst := image.NewGray(image.Rect(0, 0, minOCRWidth, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), sharpened, sharpened.Bounds(), draw.Over, nil)
		out = dst
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func toGray(src image.Image) *image.Gray {
	b := src.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), src, b.Min, draw.Src)
	return gray
}

// stretchContrast maps the darkest pixel to 0 and the brightest to 255.
func stretchContrast(img *image.Gray) {
	lo, hi := uint8(255), uint8(0)
	for _, p := range img.Pix {
		if p < lo {
			lo = p
		}
		if p > hi {
			hi = p
		}
	}
	if hi <= lo {
		return
	}
	span := float64(hi - lo)
	for i, p := range img.Pix {
		img.Pix[i] = uint8(float64(p-lo) * 255 / span)
	}
}

var sharpenKernel = [3][3]int{
	{0, -1, 0},
	{-1, 5, -1},
	{0, -1, 0},
}

func sharpen(img *image.Gray) *image.Gray {
	b := img.Bounds()
	out := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			sum := 0
			for ky := -1; ky <= 1; ky++ {
				for kx := -1; kx <= 1; kx++ {
					px := clampInt(x+kx, b.Min.X, b.Max.X-1)
					py := clampInt(y+ky, b.Min.Y, b.Max.Y-1)
					sum += int(img.GrayAt(px, py).Y) * sharpenKernel[ky+1][kx+1]
				}
			}
			out.SetGray(x, y, color.Gray{Y: uint8(clampInt(sum, 0, 255))})
		}
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
