package dicomdb

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// ReadHeader parses a DICOM file element by element with pixel data skipped.
// Parsing stops at the first element that cannot be read; the elements read
// so far, preceded by the file meta elements, are returned.
func ReadHeader(path string) (dicom.Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return dicom.Dataset{}, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return dicom.Dataset{}, err
	}

	p, err := dicom.NewParser(f, info.Size(), nil, dicom.SkipPixelData())
	if err != nil {
		return dicom.Dataset{}, err
	}

	var elements []*dicom.Element
	for {
		elem, err := p.Next()
		if err != nil {
			break
		}
		elements = append(elements, elem)
	}

	meta := p.GetMetadata()
	if len(elements) == 0 && len(meta.Elements) == 0 {
		return dicom.Dataset{}, errors.New("no elements parsed")
	}
	return dicom.Dataset{Elements: append(meta.Elements, elements...)}, nil
}

// Values returns the values of an element as strings, with the padding
// DICOM adds to odd-length values removed. A missing element yields nil.
func Values(ds dicom.Dataset, t tag.Tag) []string {
	elem, err := ds.FindElementByTag(t)
	if err != nil || elem == nil || elem.Value == nil {
		return nil
	}
	return ElementValues(elem)
}

// ElementValues renders the values of a single element as strings.
func ElementValues(elem *dicom.Element) []string {
	switch v := elem.Value.GetValue().(type) {
	case []string:
		out := make([]string, len(v))
		for i, s := range v {
			out[i] = strings.TrimRight(s, " \x00")
		}
		return out
	case []int:
		out := make([]string, len(v))
		for i, n := range v {
			out[i] = strconv.Itoa(n)
		}
		return out
	case []float64:
		out := make([]string, len(v))
		for i, f := range v {
			out[i] = strconv.FormatFloat(f, 'g', -1, 64)
		}
		return out
	}
	return nil
}

// Value returns the first value of an element, or "".
func Value(ds dicom.Dataset, t tag.Tag) string {
	if v := Values(ds, t); len(v) > 0 {
		return v[0]
	}
	return ""
}

// JoinValues joins multiple values with the DICOM backslash delimiter.
func JoinValues(v []string) string {
	return strings.Join(v, `\`)
}

// SplitFloats parses a backslash-delimited list of numbers.
func SplitFloats(s string) ([]float64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, `\`)
	out := make([]float64, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("parse %q: %w", s, err)
		}
		out[i] = f
	}
	return out, nil
}
