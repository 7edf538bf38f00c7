// Package stylizer defines the contract of the pretrained style-transfer model.
package stylizer

import (
	"context"

	"github.com/example/style-transfer/internal/tensor"
)

// Model maps a content tensor and a style tensor, both shaped [1,H,W,3]
// with values in [0,1], to a stylized tensor of the same layout.
type Model interface {
	Stylize(ctx context.Context, content, style *tensor.Tensor) (*tensor.Tensor, error)
	Name() string
}
