package client

import (
	"context"

	"github.com/menta2k/image-inpainter/pkg/types"
)

// ArtifactStore publishes a blob and returns a URL the inpainting backend can read
type ArtifactStore interface {
	Store(ctx context.Context, name string, data []byte, contentType string) (string, error)
}

// InpaintClient turns an image, a mask and a prompt into a generated image
type InpaintClient interface {
	Generate(ctx context.Context, req types.InpaintRequest) (*types.InpaintResult, error)
}

// VisionClient answers a text prompt about an image
type VisionClient interface {
	Query(ctx context.Context, model, prompt string, image []byte) (string, error)
}

// MaskClient asks a segmentation model for a black and white mask of the
// region of an image described by prompt
type MaskClient interface {
	GenerateMask(ctx context.Context, imageURL, prompt string) (*types.InpaintResult, error)
}
