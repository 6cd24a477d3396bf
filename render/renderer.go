package render

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	iface "WeaponDetClient/interface"
	"WeaponDetClient/logger"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

var errForeignRaster = errors.New("raster was not produced by this renderer")

// Renderer draws detection boxes and labels onto copies of decoded images. It holds no
// per-image state and is safe for concurrent use.
type Renderer struct {
	Color         color.RGBA
	Thickness     int
	Font          gocv.HersheyFont
	FontScale     float64
	TextThickness int
	// LabelOffset is the gap in pixels between the label baseline and the box's top edge.
	LabelOffset int

	log *zap.Logger
}

func New() *Renderer {
	return &Renderer{
		Color:         color.RGBA{R: 255, G: 0, B: 0, A: 255},
		Thickness:     2,
		Font:          gocv.FontHersheySimplex,
		FontScale:     0.6,
		TextThickness: 1,
		LabelOffset:   5,
		log:           logger.Named("render"),
	}
}

// DecodeAsync decodes data on its own goroutine and hands the raster to done.
func (r *Renderer) DecodeAsync(data []byte, done func(iface.Raster, error)) {
	go func() {
		var (
			img *Image
			err error
		)
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.log.Error("decode panic recovered", zap.Any("panic", p))
					err = iface.DecodeError(fmt.Errorf("decode panic: %v", p))
				}
			}()
			img, err = Decode(data)
		}()
		if err != nil {
			done(nil, err)
			return
		}
		done(img, nil)
	}()
}

// Annotate copies src and draws each detection in order, so later boxes paint over
// earlier ones. Boxes are drawn at their source-pixel coordinates without scaling.
func (r *Renderer) Annotate(src iface.Raster, detections []iface.Detection) (iface.Raster, error) {
	in, ok := src.(*Image)
	if !ok {
		return nil, errForeignRaster
	}
	out := &Image{mat: in.mat.Clone()}
	width, height := out.Width(), out.Height()
	for _, d := range detections {
		rect := BoxRect(d.BBox)
		if err := gocv.Rectangle(&out.mat, rect, r.Color, r.Thickness); err != nil {
			_ = out.Close()
			return nil, fmt.Errorf("draw box for %s: %w", d.Class, err)
		}

		label := Label(d)
		size := gocv.GetTextSize(label, r.Font, r.FontScale, r.TextThickness)
		origin := LabelOrigin(rect, size, r.LabelOffset, width, height)
		if err := gocv.PutText(&out.mat, label, origin, r.Font, r.FontScale, r.Color, r.TextThickness); err != nil {
			_ = out.Close()
			return nil, fmt.Errorf("draw label for %s: %w", d.Class, err)
		}
	}
	r.log.Debug("annotated image",
		zap.Int("width", width),
		zap.Int("height", height),
		zap.Int("detections", len(detections)))
	return out, nil
}

// Label is the text drawn over a detection: "{class} ({percent}%)".
func Label(d iface.Detection) string {
	return fmt.Sprintf("%s (%d%%)", d.Class, int(math.Round(d.Confidence*100)))
}

func BoxRect(b iface.BBox) image.Rectangle {
	return image.Rect(
		int(math.Round(b.X1)), int(math.Round(b.Y1)),
		int(math.Round(b.X2)), int(math.Round(b.Y2)))
}

// LabelOrigin places the label's baseline offset pixels above the box's top-left corner,
// moved back inside a width x height raster when it would be cut off.
func LabelOrigin(box image.Rectangle, text image.Point, offset, width, height int) image.Point {
	p := image.Point{X: box.Min.X, Y: box.Min.Y - offset}
	if p.X+text.X > width {
		p.X = width - text.X
	}
	if p.X < 0 {
		p.X = 0
	}
	if p.Y < text.Y {
		p.Y = text.Y
	}
	if p.Y > height-1 {
		p.Y = height - 1
	}
	return p
}
