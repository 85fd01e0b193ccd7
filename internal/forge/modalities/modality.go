// Package modalities provides modality-specific metadata for synthesized series.
package modalities

import (
	"fmt"

	"github.com/suyashkumar/dicom"
)

// Modality represents a DICOM imaging modality type.
type Modality string

const (
	MR Modality = "MR" // Magnetic Resonance
	CT Modality = "CT" // Computed Tomography
)

// AllModalities returns all supported modalities.
func AllModalities() []Modality {
	return []Modality{MR, CT}
}

// Parse converts a modality string, rejecting unsupported values.
func Parse(m string) (Modality, error) {
	for _, valid := range AllModalities() {
		if string(valid) == m {
			return valid, nil
		}
	}
	return "", fmt.Errorf("unsupported modality %q, valid modalities: %v", m, AllModalities())
}

// Scanner represents an imaging device configuration.
type Scanner struct {
	Manufacturer  string
	Model         string
	FieldStrength float64 // MR only, Tesla
}

// SeriesParams holds acquisition parameters shared by every image of a series.
type SeriesParams struct {
	Scanner      Scanner
	WindowCenter float64
	WindowWidth  float64

	// MR
	EchoTime       float64
	RepetitionTime float64
	FlipAngle      float64
	SequenceName   string

	// CT
	KVP              float64
	RescaleIntercept float64
	RescaleSlope     float64
}

// PixelConfig holds pixel data configuration for a modality.
type PixelConfig struct {
	BitsAllocated       uint16
	BitsStored          uint16
	HighBit             uint16
	PixelRepresentation uint16 // 0 = unsigned, 1 = signed
	MinValue            int
	MaxValue            int
	BaseValue           int // mean value of the synthetic phantom
}

// Generator describes how a modality fills in its metadata.
type Generator interface {
	Modality() Modality

	// SOPClassUID returns the storage SOP Class UID for this modality.
	SOPClassUID() string

	// DefaultParams returns the acquisition parameters used when a series does not override them.
	DefaultParams() SeriesParams

	PixelConfig() PixelConfig

	// AppendModalityElements appends modality-specific DICOM elements to a dataset.
	AppendModalityElements(ds *dicom.Dataset, params SeriesParams) error
}

// GetGenerator returns the generator for the specified modality.
func GetGenerator(m Modality) Generator {
	switch m {
	case CT:
		return &CTGenerator{}
	case MR:
		fallthrough
	default:
		return &MRGenerator{}
	}
}
