package transform

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"sync"

	// Register the decoders for the upload formats the service accepts.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"

	"github.com/example/pet-classifier/internal/model"
)

// ErrInvalidImage marks payloads that cannot be decoded as an image. It is a
// client error; everything else out of the pipeline is a programming or
// artifact problem.
var ErrInvalidImage = errors.New("invalid image payload")

// Tensor is a fixed-shape planar CHW float32 buffer ready for the model. Each
// call to Transform allocates a fresh one, so concurrent requests never share
// pixel buffers.
type Tensor struct {
	Data     []float32
	Channels int
	Height   int
	Width    int
}

// Shape returns the NCHW dimensions of the tensor.
func (t *Tensor) Shape() []int64 {
	return []int64{1, int64(t.Channels), int64(t.Height), int64(t.Width)}
}

// Pipeline converts uploaded image bytes into model input tensors. All
// parameters come from the artifact metadata so preprocessing here can never
// drift from what the training pipeline used.
type Pipeline struct {
	size int
	mean []float32
	std  []float32
}

// NewPipeline builds a pipeline from the artifact descriptor.
func NewPipeline(meta *model.Metadata) *Pipeline {
	return &Pipeline{
		size: meta.ImageSize,
		mean: meta.Normalization.Mean,
		std:  meta.Normalization.Std,
	}
}

// ErrDescriptorUnavailable is returned by a deferred pipeline used before the
// artifact descriptor has been loaded.
var ErrDescriptorUnavailable = errors.New("artifact descriptor not loaded")

// DeferredPipeline builds its pipeline from a descriptor source on first use.
// The model loads in the background, so the descriptor only becomes available
// once the store turns ready; reading it from the store keeps preprocessing
// and inference on the exact same artifact read.
type DeferredPipeline struct {
	meta func() *model.Metadata

	mu       sync.Mutex
	pipeline *Pipeline
}

// NewDeferredPipeline wraps a descriptor source, typically the model store's
// Metadata method.
func NewDeferredPipeline(meta func() *model.Metadata) *DeferredPipeline {
	return &DeferredPipeline{meta: meta}
}

// Transform builds the underlying pipeline on first call and delegates to it.
// Calls before the descriptor is available return ErrDescriptorUnavailable
// instead of panicking.
func (d *DeferredPipeline) Transform(raw []byte) (*Tensor, error) {
	p, err := d.get()
	if err != nil {
		return nil, err
	}
	return p.Transform(raw)
}

func (d *DeferredPipeline) get() (*Pipeline, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pipeline == nil {
		meta := d.meta()
		if meta == nil {
			return nil, ErrDescriptorUnavailable
		}
		d.pipeline = NewPipeline(meta)
	}
	return d.pipeline, nil
}

// Transform decodes, resizes and normalizes an uploaded image. Decode
// failures return ErrInvalidImage; the output shape is constant for every
// valid input.
func (p *Pipeline) Transform(raw []byte) (*Tensor, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	// Lanczos matches the deterministic resize used when the model was
	// trained and evaluated.
	resized := imaging.Resize(img, p.size, p.size, imaging.Lanczos)

	channelSize := p.size * p.size
	tensor := &Tensor{
		Data:     make([]float32, 3*channelSize),
		Channels: 3,
		Height:   p.size,
		Width:    p.size,
	}

	for y := 0; y < p.size; y++ {
		offset := y * p.size
		for x := 0; x < p.size; x++ {
			i := offset + x
			r, g, b, _ := resized.At(x, y).RGBA()
			tensor.Data[i] = (float32(r>>8)/255.0 - p.mean[0]) / p.std[0]
			tensor.Data[channelSize+i] = (float32(g>>8)/255.0 - p.mean[1]) / p.std[1]
			tensor.Data[2*channelSize+i] = (float32(b>>8)/255.0 - p.mean[2]) / p.std[2]
		}
	}

	return tensor, nil
}
