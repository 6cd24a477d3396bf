package render

import (
	"errors"
	"fmt"

	iface "WeaponDetClient/interface"

	"gocv.io/x/gocv"
)

var errEmptyImage = errors.New("decoded image is empty or unsupported format")

// Image is a decoded BGR raster backed by an OpenCV Mat.
type Image struct {
	mat gocv.Mat
}

// Decode turns encoded image bytes into a raster. Failures are DecodeErrors.
func Decode(data []byte) (*Image, error) {
	if len(data) == 0 {
		return nil, iface.DecodeError(errEmptyImage)
	}
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return nil, iface.DecodeError(err)
	}
	if mat.Empty() {
		_ = mat.Close()
		return nil, iface.DecodeError(errEmptyImage)
	}
	return &Image{mat: mat}, nil
}

// NewBlank allocates a black width x height raster.
func NewBlank(width, height int) *Image {
	return &Image{mat: gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), height, width, gocv.MatTypeCV8UC3)}
}

func (i *Image) Width() int  { return i.mat.Cols() }
func (i *Image) Height() int { return i.mat.Rows() }

// Mat exposes the underlying Mat. It stays owned by the Image.
func (i *Image) Mat() gocv.Mat { return i.mat }

// Encode encodes the raster in the format named by ext, e.g. ".png" or ".jpg".
func (i *Image) Encode(ext string) ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.FileExt(ext), i.mat)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ext, err)
	}
	defer buf.Close()
	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}

func (i *Image) Close() error {
	return i.mat.Close()
}
