package modalities

import (
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// CTGenerator generates CT (Computed Tomography) specific metadata.
type CTGenerator struct{}

func (g *CTGenerator) Modality() Modality {
	return CT
}

// SOPClassUID returns the CT Image Storage SOP Class UID.
func (g *CTGenerator) SOPClassUID() string {
	return "1.2.840.10008.5.1.4.1.1.2"
}

// DefaultParams uses the usual Hounsfield rescale of stored values.
func (g *CTGenerator) DefaultParams() SeriesParams {
	return SeriesParams{
		Scanner:          Scanner{Manufacturer: "SIEMENS", Model: "SOMATOM Definition AS+"},
		KVP:              120,
		RescaleIntercept: -1024,
		RescaleSlope:     1,
		WindowCenter:     40,
		WindowWidth:      400,
	}
}

// PixelConfig stores unsigned values; the rescale intercept brings water to 0 HU.
func (g *CTGenerator) PixelConfig() PixelConfig {
	return PixelConfig{
		BitsAllocated: 16,
		BitsStored:    12,
		HighBit:       11,
		MinValue:      0,
		MaxValue:      4095,
		BaseValue:     1024,
	}
}

// AppendModalityElements appends CT-specific DICOM elements to a dataset.
func (g *CTGenerator) AppendModalityElements(ds *dicom.Dataset, params SeriesParams) error {
	slope := params.RescaleSlope
	if slope == 0 {
		slope = 1
	}
	ds.Elements = append(ds.Elements,
		mustNewElement(tag.KVP, []string{floatToDS(params.KVP)}),
		mustNewElement(tag.RescaleIntercept, []string{floatToDS(params.RescaleIntercept)}),
		mustNewElement(tag.RescaleSlope, []string{floatToDS(slope)}),
		mustNewElement(tag.RescaleType, []string{"HU"}),
	)
	return nil
}
