package face

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"os"
)

var (
	faceColor   = color.RGBA{255, 255, 0, 255} // yellow
	cropColor   = color.RGBA{0, 255, 0, 255}   // green
	centerColor = color.RGBA{255, 0, 0, 255}   // red, crop chosen without faces
)

// AnnotateCrop draws the detected faces and the chosen crop onto a copy of
// framePath and saves it to outPath. Boxes are given in video pixels and
// mapped onto the frame's own size.
func AnnotateCrop(framePath, outPath string, info VideoInfo, faces []FaceDetection, region CropRegion) error {
	img, err := decodeFrame(framePath)
	if err != nil {
		return err
	}

	bounds := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, bounds.Min, draw.Src)

	faces = scaleDetections(faces, info.Width, info.Height, bounds.Dx(), bounds.Dy())
	for _, f := range faces {
		drawRect(rgba, int(f.X), int(f.Y), int(f.X+f.Width), int(f.Y+f.Height), faceColor, 2)
	}

	crop := scaleDetections([]FaceDetection{{
		X: float32(region.X), Y: float32(region.Y),
		Width: float32(region.Width), Height: float32(region.Height),
	}}, info.Width, info.Height, bounds.Dx(), bounds.Dy())[0]
	col := cropColor
	if region.Reason == ReasonCenter {
		col = centerColor
	}
	drawRect(rgba, int(crop.X), int(crop.Y), int(crop.X+crop.Width)-1, int(crop.Y+crop.Height)-1, col, 3)

	outFile, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("failed to create annotated file: %w", err)
	}
	defer outFile.Close()

	if err := jpeg.Encode(outFile, rgba, &jpeg.Options{Quality: 95}); err != nil {
		return fmt.Errorf("failed to encode annotated image: %w", err)
	}
	return nil
}

// drawRect draws a rectangle with specified thickness
func drawRect(img *image.RGBA, x1, y1, x2, y2 int, col color.RGBA, thickness int) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	set := func(x, y int) {
		if x >= 0 && x < w && y >= 0 && y < h {
			img.SetRGBA(x, y, col)
		}
	}

	for t := 0; t < thickness; t++ {
		for x := x1; x <= x2; x++ {
			set(x, y1+t)
			set(x, y2-t)
		}
		for y := y1; y <= y2; y++ {
			set(x1+t, y)
			set(x2-t, y)
		}
	}
}
