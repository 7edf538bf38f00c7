package tensor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrTooManyPixels is returned when an image header declares more pixels
// than the caller allows.
var ErrTooManyPixels = errors.New("image dimensions exceed pixel limit")

// DecodeImage decodes any registered image format, applying EXIF orientation.
// The header is checked against maxPixels before the raster is allocated;
// maxPixels <= 0 disables the check.
func DecodeImage(data []byte, maxPixels int64) (image.Image, error) {
	if maxPixels > 0 {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decode image: %w", err)
		}
		if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > maxPixels {
			return nil, fmt.Errorf("%w: %dx%d", ErrTooManyPixels, cfg.Width, cfg.Height)
		}
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// FromImage resizes img to width x height, drops alpha and scales channels
// into [0,1], returning a [1,height,width,3] tensor.
func FromImage(img image.Image, width, height int) *Tensor {
	resized := imaging.Resize(opaque(img), width, height, imaging.CatmullRom)
	t := New(1, height, width, Channels)
	for y := 0; y < height; y++ {
		src := resized.Pix[y*resized.Stride : y*resized.Stride+width*4]
		dst := t.Data[y*width*Channels : (y+1)*width*Channels]
		for x := 0; x < width; x++ {
			dst[x*3] = float32(src[x*4]) / 255
			dst[x*3+1] = float32(src[x*4+1]) / 255
			dst[x*3+2] = float32(src[x*4+2]) / 255
		}
	}
	return t
}

// ToImage scales the tensor back to 8-bit RGB. Values outside [0,1] are
// clamped and fractions truncated.
func (t *Tensor) ToImage() (*image.NRGBA, error) {
	height, width, err := t.ImageDims()
	if err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			src := t.Data[(y*width+x)*Channels:]
			dst := img.Pix[y*img.Stride+x*4:]
			dst[0] = toByte(src[0])
			dst[1] = toByte(src[1])
			dst[2] = toByte(src[2])
			dst[3] = 0xff
		}
	}
	return img, nil
}

// opaque discards alpha before resampling so fully transparent pixels keep
// their colour instead of being blended towards black.
func opaque(img image.Image) *image.NRGBA {
	dst := imaging.Clone(img)
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	return dst
}

// EncodeJPEG writes img as a JPEG with the given quality (1-100).
func EncodeJPEG(w io.Writer, img image.Image, quality int) error {
	if err := imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return fmt.Errorf("encode jpeg: %w", err)
	}
	return nil
}

func toByte(v float32) uint8 {
	v *= 255
	switch {
	case math.IsNaN(float64(v)), v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(v)
}
