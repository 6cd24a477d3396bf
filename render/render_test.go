package render

import (
	"image"
	"testing"
	"time"

	iface "WeaponDetClient/interface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func encodedBlank(t *testing.T, width, height int) []byte {
	t.Helper()
	img := NewBlank(width, height)
	defer img.Close()
	data, err := img.Encode(".png")
	require.NoError(t, err)
	return data
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "pistol (85%)", Label(iface.Detection{Class: "pistol", Confidence: 0.85}))
	assert.Equal(t, "knife (100%)", Label(iface.Detection{Class: "knife", Confidence: 0.996}))
	assert.Equal(t, "rifle (3%)", Label(iface.Detection{Class: "rifle", Confidence: 0.025}))
}

func TestLabelOrigin(t *testing.T) {
	text := image.Point{X: 40, Y: 12}

	t.Run("Test Above Box", func(t *testing.T) {
		p := LabelOrigin(image.Rect(10, 30, 50, 60), text, 5, 200, 100)
		assert.Equal(t, image.Point{X: 10, Y: 25}, p)
	})
	t.Run("Test Clamped Top", func(t *testing.T) {
		p := LabelOrigin(image.Rect(10, 2, 50, 60), text, 5, 200, 100)
		assert.Equal(t, image.Point{X: 10, Y: 12}, p)
	})
	t.Run("Test Clamped Right", func(t *testing.T) {
		p := LabelOrigin(image.Rect(180, 50, 199, 60), text, 5, 200, 100)
		assert.Equal(t, image.Point{X: 160, Y: 45}, p)
	})
	t.Run("Test Clamped Bottom", func(t *testing.T) {
		p := LabelOrigin(image.Rect(-20, 300, 10, 320), text, 5, 200, 100)
		assert.Equal(t, image.Point{X: 0, Y: 99}, p)
	})
}

func TestBoxRect(t *testing.T) {
	assert.Equal(t, image.Rect(10, 10, 50, 51), BoxRect(iface.NewBBox(10.2, 9.6, 49.5, 50.7)))
}

func TestDecode(t *testing.T) {
	t.Run("Test Valid", func(t *testing.T) {
		img, err := Decode(encodedBlank(t, 120, 80))
		require.NoError(t, err)
		defer img.Close()
		assert.Equal(t, 120, img.Width())
		assert.Equal(t, 80, img.Height())
	})
	t.Run("Test Garbage", func(t *testing.T) {
		_, err := Decode([]byte("not an image"))
		assert.ErrorIs(t, err, iface.ErrDecode)
		_, err = Decode(nil)
		assert.ErrorIs(t, err, iface.ErrDecode)
	})
}

func TestDecodeAsync(t *testing.T) {
	r := New()
	type outcome struct {
		raster iface.Raster
		err    error
	}
	got := make(chan outcome, 1)
	r.DecodeAsync([]byte("broken"), func(raster iface.Raster, err error) {
		got <- outcome{raster, err}
	})
	select {
	case o := <-got:
		assert.Nil(t, o.raster)
		assert.Equal(t, iface.KindDecode, iface.KindOf(o.err))
	case <-time.After(2 * time.Second):
		t.Fatal("decode callback never fired")
	}

	r.DecodeAsync(encodedBlank(t, 64, 48), func(raster iface.Raster, err error) {
		got <- outcome{raster, err}
	})
	o := <-got
	require.NoError(t, o.err)
	defer o.raster.Close()
	assert.Equal(t, 64, o.raster.Width())
}

func TestAnnotate(t *testing.T) {
	r := New()
	src := NewBlank(120, 100)
	defer src.Close()

	detections := []iface.Detection{
		{Class: "pistol", Confidence: 0.85, BBox: iface.NewBBox(10, 30, 50, 70), Frame: iface.NoFrame},
		{Class: "knife", Confidence: 0.95, BBox: iface.NewBBox(0, 0, 20, 20), Frame: iface.NoFrame},
	}
	out, err := r.Annotate(src, detections)
	require.NoError(t, err)
	defer out.Close()

	assert.Equal(t, src.Width(), out.Width())
	assert.Equal(t, src.Height(), out.Height())

	annotated := out.(*Image).Mat()
	// bottom edge of the pistol box, far from any label
	assert.Equal(t, gocv.Vecb{0, 0, 255}, annotated.GetVecbAt(70, 30))
	// box interior is untouched
	assert.Equal(t, gocv.Vecb{0, 0, 0}, annotated.GetVecbAt(50, 30))
	// source pixels are not modified
	assert.Equal(t, gocv.Vecb{0, 0, 0}, src.Mat().GetVecbAt(70, 30))

	_, err = r.Annotate(&foreign{}, detections)
	assert.Error(t, err)
}

func TestAnnotate_DrawError(t *testing.T) {
	r := New()
	// past OpenCV's maximum line thickness
	r.Thickness = 40000
	src := NewBlank(40, 40)
	defer src.Close()

	out, err := r.Annotate(src, []iface.Detection{
		{Class: "rifle", Confidence: 0.5, BBox: iface.NewBBox(5, 5, 30, 30), Frame: iface.NoFrame},
	})
	require.Error(t, err)
	assert.Nil(t, out)
	assert.Contains(t, err.Error(), "draw box for rifle")
}

type foreign struct{}

func (foreign) Width() int                    { return 1 }
func (foreign) Height() int                   { return 1 }
func (foreign) Encode(string) ([]byte, error) { return nil, nil }
func (foreign) Close() error                  { return nil }
