package plugin

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mrsinham/dicomconform/internal/dicomdb"
	"github.com/mrsinham/dicomconform/internal/volume"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Reader approaches of the scalar volume plugin.
const (
	// ApproachDataset parses every file completely into a dataset.
	ApproachDataset = "Dataset"
	// ApproachStreaming walks the elements of every file one at a time.
	ApproachStreaming = "Streaming"
	// ApproachArchetype reads the header of the first file only and takes the
	// pixel bytes of the others straight from the file, trusting the index for
	// positions. It understands explicit VR little endian only.
	ApproachArchetype = "Archetype"
)

const explicitVRLittleEndian = "1.2.840.10008.1.2.1"

// sliceData is one decoded file.
type sliceData struct {
	sopInstanceUID string
	modality       string
	transferSyntax string
	position       volume.Vec3
	orientation    [6]float64
	rows, cols     int
	pixelSpacing   [2]float64
	slope          float64
	intercept      float64
	bitsAllocated  int
	signed         bool
	stored         []float64
}

// sliceReader decodes the files of a loadable in order.
type sliceReader func(ctx context.Context, files []string) ([]sliceData, error)

// headerFromDataset fills the header fields of a slice from parsed elements.
func headerFromDataset(ds dicom.Dataset) (sliceData, error) {
	s := sliceData{
		sopInstanceUID: dicomdb.Value(ds, tag.SOPInstanceUID),
		modality:       dicomdb.Value(ds, tag.Modality),
		transferSyntax: dicomdb.Value(ds, tag.TransferSyntaxUID),
		slope:          1,
	}
	var err error
	if s.rows, err = intValue(ds, tag.Rows); err != nil {
		return s, err
	}
	if s.cols, err = intValue(ds, tag.Columns); err != nil {
		return s, err
	}
	if s.bitsAllocated, err = intValue(ds, tag.BitsAllocated); err != nil {
		return s, err
	}
	if rep, err := intValue(ds, tag.PixelRepresentation); err == nil {
		s.signed = rep == 1
	}

	position, err := floats(ds, tag.ImagePositionPatient, 3)
	if err != nil {
		return s, err
	}
	copy(s.position[:], position)
	orientation, err := floats(ds, tag.ImageOrientationPatient, 6)
	if err != nil {
		return s, err
	}
	copy(s.orientation[:], orientation)
	spacing, err := floats(ds, tag.PixelSpacing, 2)
	if err != nil {
		return s, err
	}
	copy(s.pixelSpacing[:], spacing)

	if v, err := floats(ds, tag.RescaleSlope, 1); err == nil {
		s.slope = v[0]
	}
	if v, err := floats(ds, tag.RescaleIntercept, 1); err == nil {
		s.intercept = v[0]
	}
	return s, nil
}

func intValue(ds dicom.Dataset, t tag.Tag) (int, error) {
	v := strings.TrimSpace(dicomdb.Value(ds, t))
	if v == "" {
		return 0, fmt.Errorf("missing %s", dicomdb.TagKey(t))
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", dicomdb.TagKey(t), err)
	}
	return n, nil
}

func floats(ds dicom.Dataset, t tag.Tag, n int) ([]float64, error) {
	v, err := dicomdb.SplitFloats(dicomdb.JoinValues(dicomdb.Values(ds, t)))
	if err != nil {
		return nil, err
	}
	if len(v) < n {
		return nil, fmt.Errorf("%s has %d values, want %d", dicomdb.TagKey(t), len(v), n)
	}
	return v[:n], nil
}

// samplesFromPixelData converts the single native frame of a PixelData
// element to stored values.
func samplesFromPixelData(elem *dicom.Element, s sliceData) ([]float64, error) {
	info, ok := elem.Value.GetValue().(dicom.PixelDataInfo)
	if !ok {
		return nil, errors.New("PixelData has an unexpected value type")
	}
	if len(info.Frames) != 1 {
		return nil, fmt.Errorf("expected one frame, got %d", len(info.Frames))
	}
	f := info.Frames[0]
	if f.Encapsulated {
		return nil, errors.New("encapsulated pixel data is not supported")
	}
	var out []float64
	switch nf := f.NativeData.(type) {
	case *frame.NativeFrame[uint8]:
		out = convert(nf.RawData, s.signed)
	case *frame.NativeFrame[uint16]:
		out = convert(nf.RawData, s.signed)
	case *frame.NativeFrame[uint32]:
		out = convert(nf.RawData, s.signed)
	case *frame.NativeFrame[int8]:
		out = convert(nf.RawData, s.signed)
	case *frame.NativeFrame[int16]:
		out = convert(nf.RawData, s.signed)
	case *frame.NativeFrame[int32]:
		out = convert(nf.RawData, s.signed)
	default:
		return nil, fmt.Errorf("unsupported native frame %T", f.NativeData)
	}
	if len(out) != s.rows*s.cols {
		return nil, fmt.Errorf("frame has %d samples, want %dx%d", len(out), s.cols, s.rows)
	}
	return out, nil
}

type integer interface {
	~uint8 | ~uint16 | ~uint32 | ~int8 | ~int16 | ~int32
}

// convert widens raw samples. Unsigned storage of signed data is
// reinterpreted as two's complement.
func convert[T integer](raw []T, signed bool) []float64 {
	out := make([]float64, len(raw))
	for i, v := range raw {
		switch x := any(v).(type) {
		case uint8:
			if signed {
				out[i] = float64(int8(x))
				continue
			}
		case uint16:
			if signed {
				out[i] = float64(int16(x))
				continue
			}
		case uint32:
			if signed {
				out[i] = float64(int32(x))
				continue
			}
		}
		out[i] = float64(v)
	}
	return out
}

// readDataset parses each file completely.
func readDataset(ctx context.Context, files []string) ([]sliceData, error) {
	out := make([]sliceData, 0, len(files))
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ds, err := dicom.ParseFile(path, nil)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		s, err := sliceFromDataset(ds)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// readStreaming reads each file element by element and stops after PixelData.
func readStreaming(ctx context.Context, files []string) ([]sliceData, error) {
	out := make([]sliceData, 0, len(files))
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ds, err := streamFile(path)
		if err != nil {
			return nil, fmt.Errorf("stream %s: %w", path, err)
		}
		s, err := sliceFromDataset(ds)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func streamFile(path string) (dicom.Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return dicom.Dataset{}, err
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return dicom.Dataset{}, err
	}
	p, err := dicom.NewParser(f, info.Size(), nil)
	if err != nil {
		return dicom.Dataset{}, err
	}

	var (
		elements []*dicom.Element
		lastErr  error
	)
	for {
		elem, err := p.Next()
		if err != nil {
			lastErr = err
			break
		}
		elements = append(elements, elem)
		if elem.Tag == tag.PixelData {
			lastErr = nil
			break
		}
	}
	ds := dicom.Dataset{Elements: append(p.GetMetadata().Elements, elements...)}
	if _, err := ds.FindElementByTag(tag.PixelData); err != nil {
		if lastErr != nil {
			return ds, fmt.Errorf("no pixel data before parse error: %w", lastErr)
		}
		return ds, errors.New("no pixel data")
	}
	return ds, nil
}

func sliceFromDataset(ds dicom.Dataset) (sliceData, error) {
	s, err := headerFromDataset(ds)
	if err != nil {
		return s, err
	}
	elem, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return s, fmt.Errorf("no pixel data: %w", err)
	}
	if s.stored, err = samplesFromPixelData(elem, s); err != nil {
		return s, err
	}
	return s, nil
}

// archetypeReader returns the Archetype approach bound to a header database.
func archetypeReader(db HeaderDatabase) sliceReader {
	return func(ctx context.Context, files []string) ([]sliceData, error) {
		if len(files) == 0 {
			return nil, errors.New("no files")
		}
		ds, err := dicom.ParseFile(files[0], nil, dicom.SkipPixelData())
		if err != nil {
			return nil, fmt.Errorf("parse archetype %s: %w", files[0], err)
		}
		archetype, err := headerFromDataset(ds)
		if err != nil {
			return nil, fmt.Errorf("archetype %s: %w", files[0], err)
		}
		if archetype.transferSyntax != explicitVRLittleEndian {
			return nil, fmt.Errorf("archetype reader supports only explicit VR little endian, %s uses %q",
				files[0], archetype.transferSyntax)
		}

		out := make([]sliceData, 0, len(files))
		for _, path := range files {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			s := archetype
			if s.sopInstanceUID, err = db.InstanceForFile(ctx, path); err != nil {
				return nil, err
			}
			ipp, err := db.FileValue(ctx, path, "ImagePositionPatient")
			if err != nil {
				return nil, err
			}
			position, err := dicomdb.SplitFloats(ipp)
			if err != nil || len(position) != 3 {
				return nil, fmt.Errorf("%s: invalid ImagePositionPatient %q", path, ipp)
			}
			copy(s.position[:], position)

			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			if s.stored, err = rawPixels(data, s); err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			out = append(out, s)
		}
		return out, nil
	}
}

// rawPixels locates the explicit VR PixelData element in a file and decodes
// it with the archetype's layout.
func rawPixels(data []byte, s sliceData) ([]float64, error) {
	start, err := pixelDataOffset(data)
	if err != nil {
		return nil, err
	}
	if vr := string(data[start+4 : start+6]); vr != "OW" && vr != "OB" {
		return nil, fmt.Errorf("pixel data has VR %q, want OW or OB", vr)
	}
	if start+12 > len(data) {
		return nil, errors.New("truncated pixel data element")
	}
	length := int(binary.LittleEndian.Uint32(data[start+8 : start+12]))
	bytesPerSample := s.bitsAllocated / 8
	want := s.rows * s.cols * bytesPerSample
	if bytesPerSample == 0 || length < want || start+12+want > len(data) {
		return nil, fmt.Errorf("pixel data holds %d bytes, archetype layout needs %d", length, want)
	}
	raw := data[start+12 : start+12+want]

	out := make([]float64, s.rows*s.cols)
	for i := range out {
		switch bytesPerSample {
		case 1:
			if s.signed {
				out[i] = float64(int8(raw[i]))
			} else {
				out[i] = float64(raw[i])
			}
		case 2:
			v := binary.LittleEndian.Uint16(raw[2*i:])
			if s.signed {
				out[i] = float64(int16(v))
			} else {
				out[i] = float64(v)
			}
		case 4:
			v := binary.LittleEndian.Uint32(raw[4*i:])
			if s.signed {
				out[i] = float64(int32(v))
			} else {
				out[i] = float64(v)
			}
		default:
			return nil, fmt.Errorf("unsupported bits allocated %d", s.bitsAllocated)
		}
	}
	return out, nil
}

// Explicit VR encodings with a 2 byte reserved field and a 4 byte length.
var longVRs = map[string]bool{
	"OB": true, "OD": true, "OF": true, "OL": true, "OV": true, "OW": true, "SQ": true,
	"SV": true, "UC": true, "UN": true, "UR": true, "UT": true, "UV": true,
}

const undefinedLength = 0xFFFFFFFF

// pixelDataOffset walks the top-level elements of an explicit VR little
// endian file and returns the offset of the PixelData element header. Values
// are skipped by their declared length, so bytes inside them never match.
func pixelDataOffset(data []byte) (int, error) {
	if len(data) < 132 || string(data[128:132]) != "DICM" {
		return 0, errors.New("missing DICM preamble")
	}
	pos := 132
	for pos+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[pos:])
		element := binary.LittleEndian.Uint16(data[pos+2:])
		if group == 0x7FE0 && element == 0x0010 {
			return pos, nil
		}
		next, err := skipElement(data, pos)
		if err != nil {
			return 0, err
		}
		pos = next
	}
	return 0, errors.New("no explicit VR pixel data element")
}

// skipElement returns the offset following the element at pos.
func skipElement(data []byte, pos int) (int, error) {
	if pos+8 > len(data) {
		return 0, fmt.Errorf("truncated element at offset %d", pos)
	}
	vr := string(data[pos+4 : pos+6])
	header, length := 8, int64(binary.LittleEndian.Uint16(data[pos+6:]))
	if longVRs[vr] {
		if pos+12 > len(data) {
			return 0, fmt.Errorf("truncated element at offset %d", pos)
		}
		header, length = 12, int64(binary.LittleEndian.Uint32(data[pos+8:]))
	}
	if length == undefinedLength {
		return skipItems(data, pos+header)
	}
	end := int64(pos+header) + length
	if end > int64(len(data)) {
		return 0, fmt.Errorf("element (%04x,%04x) at offset %d overruns the file",
			binary.LittleEndian.Uint16(data[pos:]), binary.LittleEndian.Uint16(data[pos+2:]), pos)
	}
	return int(end), nil
}

// skipItems skips the items of an undefined length sequence up to and
// including its delimiter.
func skipItems(data []byte, pos int) (int, error) {
	for pos+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[pos:])
		element := binary.LittleEndian.Uint16(data[pos+2:])
		length := binary.LittleEndian.Uint32(data[pos+4:])
		if group != 0xFFFE {
			return 0, fmt.Errorf("expected an item at offset %d", pos)
		}
		switch {
		case element == 0xE0DD:
			return pos + 8, nil
		case element == 0xE000 && length != undefinedLength:
			if int64(pos)+8+int64(length) > int64(len(data)) {
				return 0, fmt.Errorf("item at offset %d overruns the file", pos)
			}
			pos += 8 + int(length)
		case element == 0xE000:
			pos += 8
			for {
				if pos+8 > len(data) {
					return 0, errors.New("unterminated item")
				}
				if binary.LittleEndian.Uint16(data[pos:]) == 0xFFFE && binary.LittleEndian.Uint16(data[pos+2:]) == 0xE00D {
					pos += 8
					break
				}
				next, err := skipElement(data, pos)
				if err != nil {
					return 0, err
				}
				pos = next
			}
		default:
			return 0, fmt.Errorf("unexpected (fffe,%04x) at offset %d", element, pos)
		}
	}
	return 0, errors.New("unterminated sequence")
}
