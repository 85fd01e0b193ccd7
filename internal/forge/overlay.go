package forge

import (
	"image"
	"image/color"

	"github.com/suyashkumar/dicom/pkg/frame"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// drawLabel burns text into the centre of a frame at the given intensity so
// slices can be told apart when a series is inspected visually. The text is
// scaled to about a third of the frame width.
func drawLabel(nativeFrame *frame.NativeFrame[uint16], width, height int, text string, intensity uint16) {
	if text == "" || width == 0 || height == 0 {
		return
	}

	face := basicfont.Face7x13
	baseWidth := font.MeasureString(face, text).Ceil()
	baseHeight := face.Height
	if baseWidth == 0 {
		return
	}

	textImg := image.NewAlpha(image.Rect(0, 0, baseWidth, baseHeight))
	drawer := &font.Drawer{
		Dst:  textImg,
		Src:  image.NewUniform(color.Alpha{A: 255}),
		Face: face,
		Dot:  fixed.Point26_6{Y: fixed.I(face.Ascent)},
	}
	drawer.DrawString(text)

	scale := max(1.0, float64(width)/3/float64(baseWidth))
	scaledW := int(float64(baseWidth) * scale)
	scaledH := int(float64(baseHeight) * scale)
	scaled := image.NewAlpha(image.Rect(0, 0, scaledW, scaledH))
	draw.BiLinear.Scale(scaled, scaled.Bounds(), textImg, textImg.Bounds(), draw.Over, nil)

	x0 := (width - scaledW) / 2
	y0 := (height - scaledH) / 2
	for sy := 0; sy < scaledH; sy++ {
		for sx := 0; sx < scaledW; sx++ {
			if scaled.AlphaAt(sx, sy).A < 128 {
				continue
			}
			x, y := x0+sx, y0+sy
			if x >= 0 && x < width && y >= 0 && y < height {
				nativeFrame.RawData[y*width+x] = intensity
			}
		}
	}
}
