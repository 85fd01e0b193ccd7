package dicomdb

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom/pkg/tag"
)

// TagScope is the DICOM hierarchy level at which a tag is expected to be constant.
type TagScope int

const (
	ScopePatient TagScope = iota
	ScopeStudy
	ScopeSeries
	ScopeImage
)

// String returns the string representation of a TagScope.
func (s TagScope) String() string {
	switch s {
	case ScopePatient:
		return "Patient"
	case ScopeStudy:
		return "Study"
	case ScopeSeries:
		return "Series"
	case ScopeImage:
		return "Image"
	default:
		return "Unknown"
	}
}

// TagInfo describes a tag whose value the index caches for every instance.
type TagInfo struct {
	Name  string
	Tag   tag.Tag
	Scope TagScope
}

// Key returns the "GGGG,EEEE" form of the tag.
func (i TagInfo) Key() string {
	return TagKey(i.Tag)
}

// cachedTags maps lowercase tag names to the tags stored in the tag cache.
var cachedTags = map[string]TagInfo{
	"patientid":   {Name: "PatientID", Tag: tag.PatientID, Scope: ScopePatient},
	"patientname": {Name: "PatientName", Tag: tag.PatientName, Scope: ScopePatient},

	"studyinstanceuid": {Name: "StudyInstanceUID", Tag: tag.StudyInstanceUID, Scope: ScopeStudy},

	"seriesinstanceuid":   {Name: "SeriesInstanceUID", Tag: tag.SeriesInstanceUID, Scope: ScopeSeries},
	"seriesnumber":        {Name: "SeriesNumber", Tag: tag.SeriesNumber, Scope: ScopeSeries},
	"seriesdescription":   {Name: "SeriesDescription", Tag: tag.SeriesDescription, Scope: ScopeSeries},
	"modality":            {Name: "Modality", Tag: tag.Modality, Scope: ScopeSeries},
	"manufacturer":        {Name: "Manufacturer", Tag: tag.Manufacturer, Scope: ScopeSeries},
	"frameofreferenceuid": {Name: "FrameOfReferenceUID", Tag: tag.FrameOfReferenceUID, Scope: ScopeSeries},

	"sopinstanceuid":          {Name: "SOPInstanceUID", Tag: tag.SOPInstanceUID, Scope: ScopeImage},
	"sopclassuid":             {Name: "SOPClassUID", Tag: tag.SOPClassUID, Scope: ScopeImage},
	"instancenumber":          {Name: "InstanceNumber", Tag: tag.InstanceNumber, Scope: ScopeImage},
	"imagepositionpatient":    {Name: "ImagePositionPatient", Tag: tag.ImagePositionPatient, Scope: ScopeImage},
	"imageorientationpatient": {Name: "ImageOrientationPatient", Tag: tag.ImageOrientationPatient, Scope: ScopeImage},
	"pixelspacing":            {Name: "PixelSpacing", Tag: tag.PixelSpacing, Scope: ScopeImage},
	"rows":                    {Name: "Rows", Tag: tag.Rows, Scope: ScopeImage},
	"columns":                 {Name: "Columns", Tag: tag.Columns, Scope: ScopeImage},
	"rescaleslope":            {Name: "RescaleSlope", Tag: tag.RescaleSlope, Scope: ScopeImage},
	"rescaleintercept":        {Name: "RescaleIntercept", Tag: tag.RescaleIntercept, Scope: ScopeImage},
	"transfersyntaxuid":       {Name: "TransferSyntaxUID", Tag: tag.TransferSyntaxUID, Scope: ScopeImage},
}

// CachedTags returns every cached tag ordered by tag number.
func CachedTags() []TagInfo {
	out := make([]TagInfo, 0, len(cachedTags))
	for _, info := range cachedTags {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tag.Group != out[j].Tag.Group {
			return out[i].Tag.Group < out[j].Tag.Group
		}
		return out[i].Tag.Element < out[j].Tag.Element
	})
	return out
}

// TagKey formats a tag as "GGGG,EEEE".
func TagKey(t tag.Tag) string {
	return fmt.Sprintf("%04X,%04X", t.Group, t.Element)
}

// LookupTag resolves a cached tag from its keyword (case-insensitive) or its
// "GGGG,EEEE" form. Unknown keywords get a suggestion for the closest one.
func LookupTag(name string) (TagInfo, error) {
	if t, ok := parseTagKey(name); ok {
		for _, info := range cachedTags {
			if info.Tag == t {
				return info, nil
			}
		}
		return TagInfo{}, fmt.Errorf("tag %s is not cached by the index", TagKey(t))
	}

	normalizedName := strings.ToLower(strings.TrimSpace(name))
	if info, ok := cachedTags[normalizedName]; ok {
		return info, nil
	}

	if suggestion := findClosestTagName(normalizedName); suggestion != "" {
		return TagInfo{}, fmt.Errorf("unknown tag %q, did you mean %q?", name, suggestion)
	}
	return TagInfo{}, fmt.Errorf("unknown tag %q", name)
}

func parseTagKey(s string) (tag.Tag, bool) {
	group, element, ok := strings.Cut(strings.Trim(strings.TrimSpace(s), "()"), ",")
	if !ok || len(group) != 4 || len(element) != 4 {
		return tag.Tag{}, false
	}
	g, err := strconv.ParseUint(group, 16, 16)
	if err != nil {
		return tag.Tag{}, false
	}
	e, err := strconv.ParseUint(element, 16, 16)
	if err != nil {
		return tag.Tag{}, false
	}
	return tag.Tag{Group: uint16(g), Element: uint16(e)}, true
}

// findClosestTagName returns the keyword closest to input, or "" when none is
// within five edits.
func findClosestTagName(input string) string {
	const maxDistance = 5
	bestDistance := maxDistance + 1
	var bestMatch string

	for _, info := range CachedTags() {
		distance := levenshteinDistance(input, strings.ToLower(info.Name))
		if distance < bestDistance {
			bestDistance = distance
			bestMatch = info.Name
		}
	}
	return bestMatch
}

// levenshteinDistance is the number of single-character edits turning a into b.
func levenshteinDistance(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
