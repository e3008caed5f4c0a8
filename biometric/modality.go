package biometric

import (
	"fmt"
	"strings"

	"github.com/c360/termstream/errors"
)

// Modality is a biometric trait category
type Modality string

// Supported modalities
const (
	Face        Modality = "face"
	Fingerprint Modality = "fingerprint"
	Iris        Modality = "iris"
	Palm        Modality = "palm"
	FingerVein  Modality = "finger-vein"
	PalmVein    Modality = "palm-vein"
)

// Encoding is how a feature blob is laid out
type Encoding int

// Feature encodings
const (
	// Float32Vector is a little-endian float32 embedding
	Float32Vector Encoding = iota
	// BitCode is a packed binary code compared bit by bit
	BitCode
)

// Spec holds the per-modality matching parameters
type Spec struct {
	Modality        Modality
	Encoding        Encoding
	Threshold       float64
	MinFeatureSize  int
	MaxFeatureSize  int
	MaxTemplateSize int
}

var defaultSpecs = []Spec{
	{Modality: Face, Encoding: Float32Vector, Threshold: 0.80, MinFeatureSize: 512, MaxFeatureSize: 8192, MaxTemplateSize: 1 << 20},
	{Modality: Fingerprint, Encoding: BitCode, Threshold: 0.75, MinFeatureSize: 32, MaxFeatureSize: 4096, MaxTemplateSize: 1 << 20},
	{Modality: Iris, Encoding: BitCode, Threshold: 0.68, MinFeatureSize: 256, MaxFeatureSize: 4096, MaxTemplateSize: 1 << 20},
	{Modality: Palm, Encoding: Float32Vector, Threshold: 0.80, MinFeatureSize: 512, MaxFeatureSize: 8192, MaxTemplateSize: 1 << 20},
	{Modality: FingerVein, Encoding: BitCode, Threshold: 0.78, MinFeatureSize: 64, MaxFeatureSize: 4096, MaxTemplateSize: 1 << 20},
	{Modality: PalmVein, Encoding: Float32Vector, Threshold: 0.80, MinFeatureSize: 512, MaxFeatureSize: 8192, MaxTemplateSize: 1 << 20},
}

// DefaultSpecs returns the built-in modality parameters, in display order
func DefaultSpecs() []Spec {
	return append([]Spec(nil), defaultSpecs...)
}

// ParseModality accepts a modality name in any case, with '-' or '_'
func ParseModality(s string) (Modality, error) {
	name := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	for _, spec := range defaultSpecs {
		if string(spec.Modality) == name {
			return spec.Modality, nil
		}
	}
	return "", errors.WrapInvalid(fmt.Errorf("%w: %q", errors.ErrUnsupportedModality, s),
		"biometric", "ParseModality", "parse modality")
}

// validateFeature checks a feature blob against the modality size bounds
func (s Spec) validateFeature(feature []byte) error {
	switch {
	case len(feature) == 0:
		return s.invalid("empty feature")
	case len(feature) < s.MinFeatureSize || len(feature) > s.MaxFeatureSize:
		return s.invalid(fmt.Sprintf("feature size %d outside [%d, %d]", len(feature), s.MinFeatureSize, s.MaxFeatureSize))
	case s.Encoding == Float32Vector && len(feature)%4 != 0:
		return s.invalid(fmt.Sprintf("feature size %d is not a whole float32 vector", len(feature)))
	}
	if s.Encoding == Float32Vector {
		if _, err := vectorNorm(feature); err != nil {
			return s.invalid(err.Error())
		}
	}
	return nil
}

func (s Spec) validateTemplate(template []byte) error {
	if len(template) > s.MaxTemplateSize {
		return s.invalid(fmt.Sprintf("template size %d exceeds %d", len(template), s.MaxTemplateSize))
	}
	return nil
}

func (s Spec) invalid(reason string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s: %s", errors.ErrInvalidTemplate, s.Modality, reason),
		"biometric", "validate", "validate "+string(s.Modality))
}
