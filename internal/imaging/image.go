// Package imaging converts between encoded image files and the flat
// (row, column, channel) sample buffers the network consumes.
package imaging

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Channels is the sample count per pixel for every loaded image.
const Channels = 3

var ErrEmptyImage = errors.New("empty image")

// Image is a flat buffer of samples in [0,1] addressed as (row, column,
// channel).
type Image struct {
	Pix      []float64
	Width    int
	Height   int
	Channels int
}

func New(width, height, channels int) Image {
	return Image{
		Pix:      make([]float64, width*height*channels),
		Width:    width,
		Height:   height,
		Channels: channels,
	}
}

func (m Image) offset(x, y int) int {
	return (y*m.Width + x) * m.Channels
}

func (m Image) At(x, y, c int) float64 {
	return m.Pix[m.offset(x, y)+c]
}

func (m Image) Set(x, y, c int, v float64) {
	m.Pix[m.offset(x, y)+c] = v
}

// FromImage extracts RGB samples, discarding alpha.
func FromImage(src image.Image) (Image, error) {
	bounds := src.Bounds()
	if bounds.Empty() {
		return Image{}, ErrEmptyImage
	}
	out := New(bounds.Dx(), bounds.Dy(), Channels)
	for y := 0; y < out.Height; y++ {
		for x := 0; x < out.Width; x++ {
			px := color.NRGBA64Model.Convert(src.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA64)
			i := out.offset(x, y)
			out.Pix[i] = float64(px.R) / 0xffff
			out.Pix[i+1] = float64(px.G) / 0xffff
			out.Pix[i+2] = float64(px.B) / 0xffff
		}
	}
	return out, nil
}

// ToImage renders 1 channel as gray and 3 channels as opaque RGB. Samples
// are clamped to [0,1]; NaN renders as 0.
func (m Image) ToImage() (image.Image, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	switch m.Channels {
	case 1:
		out := image.NewGray(image.Rect(0, 0, m.Width, m.Height))
		for y := 0; y < m.Height; y++ {
			for x := 0; x < m.Width; x++ {
				out.SetGray(x, y, color.Gray{Y: toByte(m.At(x, y, 0))})
			}
		}
		return out, nil
	case Channels:
		out := image.NewNRGBA(image.Rect(0, 0, m.Width, m.Height))
		for y := 0; y < m.Height; y++ {
			for x := 0; x < m.Width; x++ {
				out.SetNRGBA(x, y, color.NRGBA{
					R: toByte(m.At(x, y, 0)),
					G: toByte(m.At(x, y, 1)),
					B: toByte(m.At(x, y, 2)),
					A: 0xff,
				})
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("cannot render %d channel image", m.Channels)
	}
}

// Load decodes a PNG, JPEG or GIF file.
func Load(path string) (Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return Image{}, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return Image{}, fmt.Errorf("decode %s: %w", path, err)
	}
	img, err := FromImage(src)
	if err != nil {
		return Image{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// LoadDir loads every .png, .jpg, .jpeg and .gif file directly under dir in
// name order. Subdirectories are not visited.
func LoadDir(dir string) ([]Image, []string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".png", ".jpg", ".jpeg", ".gif":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	images := make([]Image, 0, len(names))
	paths := make([]string, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		img, err := Load(path)
		if err != nil {
			return nil, nil, err
		}
		images = append(images, img)
		paths = append(paths, path)
	}
	return images, paths, nil
}

// Save encodes m as PNG.
func Save(path string, m Image) error {
	rendered, err := m.ToImage()
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, rendered); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Half box-filters m to half resolution. An odd trailing row or column is
// dropped.
func (m Image) Half() Image {
	out := New(m.Width/2, m.Height/2, m.Channels)
	for y := 0; y < out.Height; y++ {
		for x := 0; x < out.Width; x++ {
			for c := 0; c < m.Channels; c++ {
				sum := m.At(2*x, 2*y, c) + m.At(2*x+1, 2*y, c) +
					m.At(2*x, 2*y+1, c) + m.At(2*x+1, 2*y+1, c)
				out.Set(x, y, c, sum/4)
			}
		}
	}
	return out
}

// CenterCrop returns the width x height region centred in m, rounding the
// offset down.
func (m Image) CenterCrop(width, height int) (Image, error) {
	if width <= 0 || height <= 0 || width > m.Width || height > m.Height {
		return Image{}, fmt.Errorf("crop %dx%d out of %dx%d", width, height, m.Width, m.Height)
	}
	x0, y0 := (m.Width-width)/2, (m.Height-height)/2
	out := New(width, height, m.Channels)
	rowLen := width * m.Channels
	for y := 0; y < height; y++ {
		src := m.offset(x0, y0+y)
		copy(out.Pix[y*rowLen:(y+1)*rowLen], m.Pix[src:src+rowLen])
	}
	return out, nil
}

func (m Image) validate() error {
	if m.Width <= 0 || m.Height <= 0 || m.Channels <= 0 {
		return ErrEmptyImage
	}
	if len(m.Pix) != m.Width*m.Height*m.Channels {
		return fmt.Errorf("pixel buffer has %d samples, want %d", len(m.Pix), m.Width*m.Height*m.Channels)
	}
	return nil
}

func toByte(v float64) uint8 {
	if !(v > 0) {
		return 0
	}
	if v >= 1 {
		return 0xff
	}
	return uint8(math.Round(v * 0xff))
}
