// Package tensor converts between images and the float32 NHWC tensors the
// style-transfer model consumes and produces.
package tensor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Channels is the number of colour channels carried by image tensors (RGB).
const Channels = 3

// Tensor is a dense row-major float32 tensor.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zeroed tensor of the given shape.
func New(shape ...int) *Tensor {
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, volume(shape))}
}

// Len returns the number of elements implied by the shape.
func (t *Tensor) Len() int {
	return volume(t.Shape)
}

// Validate checks that the data length matches the shape.
func (t *Tensor) Validate() error {
	if t == nil {
		return errors.New("nil tensor")
	}
	if len(t.Shape) == 0 {
		return errors.New("tensor has no shape")
	}
	for _, d := range t.Shape {
		if d <= 0 {
			return fmt.Errorf("invalid dimension in shape %v", t.Shape)
		}
	}
	if len(t.Data) != t.Len() {
		return fmt.Errorf("tensor data has %d elements, shape %v needs %d", len(t.Data), t.Shape, t.Len())
	}
	return nil
}

// ImageDims returns height and width of an image tensor shaped [1,H,W,3] or [H,W,3].
func (t *Tensor) ImageDims() (height, width int, err error) {
	shape := t.Shape
	if len(shape) == 4 {
		if shape[0] != 1 {
			return 0, 0, fmt.Errorf("batch of %d images not supported", shape[0])
		}
		shape = shape[1:]
	}
	if len(shape) != 3 || shape[2] != Channels {
		return 0, 0, fmt.Errorf("not an RGB image tensor: shape %v", t.Shape)
	}
	return shape[0], shape[1], nil
}

// MarshalBinary encodes the data as little-endian float32 values.
func (t *Tensor) MarshalBinary() ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, 4*len(t.Data))
	for i, v := range t.Data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf, nil
}

// FromBinary decodes little-endian float32 values into a tensor of the given shape.
func FromBinary(shape []int, data []byte) (*Tensor, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("payload length %d is not a multiple of 4", len(data))
	}
	t := &Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, len(data)/4)}
	for i := range t.Data {
		t.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Nested returns a [1][H][W][3] view suitable for JSON encoding.
func (t *Tensor) Nested() ([][][][]float32, error) {
	height, width, err := t.ImageDims()
	if err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	rows := make([][][]float32, height)
	for y := range rows {
		row := make([][]float32, width)
		for x := range row {
			off := (y*width + x) * Channels
			row[x] = t.Data[off : off+Channels : off+Channels]
		}
		rows[y] = row
	}
	return [][][][]float32{rows}, nil
}

// FromNested builds a [1,H,W,3] tensor from a nested batch. Only the first
// image of the batch is kept.
func FromNested(batch [][][][]float32) (*Tensor, error) {
	if len(batch) == 0 || len(batch[0]) == 0 || len(batch[0][0]) == 0 {
		return nil, errors.New("empty tensor")
	}
	img := batch[0]
	height, width := len(img), len(img[0])
	t := New(1, height, width, Channels)
	for y, row := range img {
		if len(row) != width {
			return nil, fmt.Errorf("row %d has %d columns, want %d", y, len(row), width)
		}
		for x, px := range row {
			if len(px) != Channels {
				return nil, fmt.Errorf("pixel (%d,%d) has %d channels", x, y, len(px))
			}
			copy(t.Data[(y*width+x)*Channels:], px)
		}
	}
	return t, nil
}

func volume(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
