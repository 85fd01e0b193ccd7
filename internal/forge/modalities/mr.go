package modalities

import (
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// MRGenerator generates MR (Magnetic Resonance) specific metadata.
type MRGenerator struct{}

func (g *MRGenerator) Modality() Modality {
	return MR
}

// SOPClassUID returns the MR Image Storage SOP Class UID.
func (g *MRGenerator) SOPClassUID() string {
	return "1.2.840.10008.5.1.4.1.1.4"
}

// DefaultParams describes a 1.5T spoiled gradient echo acquisition.
func (g *MRGenerator) DefaultParams() SeriesParams {
	return SeriesParams{
		Scanner:        Scanner{Manufacturer: "GE MEDICAL SYSTEMS", Model: "Signa HDxt", FieldStrength: 1.5},
		EchoTime:       3.2,
		RepetitionTime: 7.6,
		FlipAngle:      20,
		SequenceName:   "efgre3d",
		WindowCenter:   500,
		WindowWidth:    1000,
	}
}

// PixelConfig returns MR pixel data configuration.
func (g *MRGenerator) PixelConfig() PixelConfig {
	return PixelConfig{
		BitsAllocated: 16,
		BitsStored:    12,
		HighBit:       11,
		MinValue:      0,
		MaxValue:      4095,
		BaseValue:     1024,
	}
}

// AppendModalityElements appends MR-specific DICOM elements to a dataset.
func (g *MRGenerator) AppendModalityElements(ds *dicom.Dataset, params SeriesParams) error {
	elements := []*dicom.Element{
		mustNewElement(tag.MagneticFieldStrength, []string{floatToDS(params.Scanner.FieldStrength)}),
		mustNewElement(tag.ImagingFrequency, []string{floatToDS(params.Scanner.FieldStrength * 42.58)}),
	}

	if params.EchoTime != 0 {
		elements = append(elements, mustNewElement(tag.EchoTime, []string{floatToDS(params.EchoTime)}))
	}
	if params.RepetitionTime != 0 {
		elements = append(elements, mustNewElement(tag.RepetitionTime, []string{floatToDS(params.RepetitionTime)}))
	}
	if params.FlipAngle != 0 {
		elements = append(elements, mustNewElement(tag.FlipAngle, []string{floatToDS(params.FlipAngle)}))
	}
	if params.SequenceName != "" {
		elements = append(elements, mustNewElement(tag.SequenceName, []string{params.SequenceName}))
	}

	ds.Elements = append(ds.Elements, elements...)
	return nil
}
