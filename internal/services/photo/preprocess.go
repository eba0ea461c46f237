package photo

import (
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"os"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const DefaultMaxDimension = 1920

type PreprocessError struct {
	Path string
	Err  error
}

func (e *PreprocessError) Error() string {
	return fmt.Sprintf("photo preprocessing failed for %s: %v", e.Path, e.Err)
}

func (e *PreprocessError) Unwrap() error { return e.Err }

// Preprocessor bounds the working resolution of marker photos before
// compilation.
type Preprocessor struct {
	MaxDimension int
}

func New(maxDimension int) *Preprocessor {
	if maxDimension <= 0 {
		maxDimension = DefaultMaxDimension
	}
	return &Preprocessor{MaxDimension: maxDimension}
}

// Load decodes a JPEG, PNG or WebP file.
func (p *Preprocessor) Load(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, &PreprocessError{Path: path, Err: err}
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, &PreprocessError{Path: path, Err: err}
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, &PreprocessError{Path: path, Err: fmt.Errorf("empty image")}
	}
	return img, nil
}

// Resize returns img itself when both sides fit the cap, otherwise a copy
// whose longer side equals the cap.
func (p *Preprocessor) Resize(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= p.MaxDimension && h <= p.MaxDimension {
		return img
	}

	nw, nh := FitWithin(w, h, p.MaxDimension)
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// Process loads path and applies Resize.
func (p *Preprocessor) Process(path string) (image.Image, error) {
	img, err := p.Load(path)
	if err != nil {
		return nil, err
	}
	return p.Resize(img), nil
}

// FitWithin scales (w, h) so the longer side equals max, preserving the
// aspect ratio. Neither side drops below one pixel.
func FitWithin(w, h, max int) (int, int) {
	if w >= h {
		nh := int(float64(h)*float64(max)/float64(w) + 0.5)
		return max, clampMin(nh, 1)
	}
	nw := int(float64(w)*float64(max)/float64(h) + 0.5)
	return clampMin(nw, 1), max
}

func clampMin(v, lo int) int {
	if v < lo {
		return lo
	}
	return v
}

// SaveJPEG writes img as the persisted marker photo.
func SaveJPEG(img image.Image, path string) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := jpeg.Encode(out, img, &jpeg.Options{Quality: 90}); err != nil {
		out.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return out.Close()
}
