package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// Normalization carries the per-channel constants applied to pixel values
// before inference. They are written by the training pipeline next to the
// model artifact; serving never hard-codes its own copy, so a retrained model
// with different constants cannot silently skew predictions.
type Normalization struct {
	Mean []float32 `json:"mean"`
	Std  []float32 `json:"std"`
}

// Metadata describes a serialized model artifact: tensor shapes, class label
// ordering and preprocessing constants. It is produced by the training
// pipeline as a versioned JSON file beside the .onnx weights.
type Metadata struct {
	FormatVersion string        `json:"format_version"`
	InputName     string        `json:"input_name"`
	OutputName    string        `json:"output_name"`
	InputShape    []int64       `json:"input_shape"`
	OutputShape   []int64       `json:"output_shape"`
	Classes       []string      `json:"classes"`
	ImageSize     int           `json:"image_size"`
	Normalization Normalization `json:"normalization"`
}

// LoadMetadata reads and validates the artifact descriptor.
func LoadMetadata(path string) (*Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	return &meta, nil
}

// Validate checks the descriptor for internal consistency. A descriptor that
// fails here means the artifact and the serving process disagree about the
// model contract, which is a failed-load condition rather than a crash.
func (m *Metadata) Validate() error {
	if m.InputName == "" {
		m.InputName = "input"
	}
	if m.OutputName == "" {
		m.OutputName = "output"
	}
	if len(m.InputShape) != 4 {
		return fmt.Errorf("metadata: input_shape must be NCHW, got %d dims", len(m.InputShape))
	}
	if m.InputShape[0] != 1 {
		return fmt.Errorf("metadata: only batch size 1 is supported, got %d", m.InputShape[0])
	}
	if m.InputShape[1] != 3 {
		return fmt.Errorf("metadata: expected 3 color channels, got %d", m.InputShape[1])
	}
	if m.ImageSize <= 0 {
		return fmt.Errorf("metadata: image_size must be positive, got %d", m.ImageSize)
	}
	if m.InputShape[2] != int64(m.ImageSize) || m.InputShape[3] != int64(m.ImageSize) {
		return fmt.Errorf("metadata: input_shape %v does not match image_size %d",
			m.InputShape, m.ImageSize)
	}
	if len(m.Classes) < 2 {
		return fmt.Errorf("metadata: need at least 2 classes, got %d", len(m.Classes))
	}
	if len(m.OutputShape) != 2 || m.OutputShape[0] != 1 || m.OutputShape[1] != int64(len(m.Classes)) {
		return fmt.Errorf("metadata: output_shape %v does not match %d classes",
			m.OutputShape, len(m.Classes))
	}
	if len(m.Normalization.Mean) != 3 || len(m.Normalization.Std) != 3 {
		return fmt.Errorf("metadata: normalization constants must have 3 entries per channel")
	}
	for i, std := range m.Normalization.Std {
		if std == 0 {
			return fmt.Errorf("metadata: normalization std for channel %d is zero", i)
		}
	}
	return nil
}

// InputLen returns the flattened element count of the model input tensor.
func (m *Metadata) InputLen() int {
	n := int64(1)
	for _, dim := range m.InputShape {
		n *= dim
	}
	return int(n)
}

// OutputLen returns the flattened element count of the model output tensor.
func (m *Metadata) OutputLen() int {
	n := int64(1)
	for _, dim := range m.OutputShape {
		n *= dim
	}
	return int(n)
}
