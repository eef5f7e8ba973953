package snapshot

import (
	"image"
	"image/color"
	"time"

	"github.com/cyclopcam/wardwatch/pkg/nn"
	"github.com/cyclopcam/wardwatch/server/trackstate"
	"github.com/fogleman/gg"
)

var (
	ColorAuthorized   = color.RGBA{0, 200, 0, 255}
	ColorUnauthorized = color.RGBA{230, 0, 0, 255}
	ColorScanning     = color.RGBA{240, 200, 0, 255}
	ColorAggressive   = color.RGBA{255, 0, 255, 255}
	ColorVehicle      = color.RGBA{0, 140, 255, 255}
)

// How long an AGGRESSIVE label stays on a person after an aggression event
const AggressiveLabelDuration = 5 * time.Second

// Label is a box and caption drawn onto a frame
type Label struct {
	Box   nn.BBox
	Text  string
	Color color.RGBA
}

// PersonLabel chooses the caption and color of a person from its authorization state
func PersonLabel(p *trackstate.PersonState, now time.Time) Label {
	l := Label{Box: p.Box}
	switch {
	case !p.LastAggression.IsZero() && now.Sub(p.LastAggression) < AggressiveLabelDuration:
		l.Text = "AGGRESSIVE " + p.DisplayID
		l.Color = ColorAggressive
	case p.Auth == trackstate.AuthAuthorized:
		l.Text = "AUTHORIZED " + p.Label()
		l.Color = ColorAuthorized
	case p.Auth == trackstate.AuthUnauthorized:
		l.Text = "UNAUTHORIZED " + p.DisplayID
		l.Color = ColorUnauthorized
	default:
		l.Text = "SCANNING " + p.DisplayID
		l.Color = ColorScanning
	}
	return l
}

func VehicleLabel(v *trackstate.VehicleState) Label {
	text := string(v.Type)
	if v.Zone != "" {
		text += " (" + v.Zone + ")"
	}
	return Label{
		Box:   v.Box,
		Text:  text,
		Color: ColorVehicle,
	}
}

// Annotate returns a copy of img with the labels drawn on it. img is not modified.
func Annotate(img image.Image, labels []Label) image.Image {
	dc := gg.NewContextForImage(img)
	dc.SetLineWidth(2)
	for _, l := range labels {
		x, y := float64(l.Box.X1), float64(l.Box.Y1)
		w, h := float64(l.Box.Width()), float64(l.Box.Height())
		dc.SetColor(l.Color)
		dc.DrawRectangle(x, y, w, h)
		dc.Stroke()

		if l.Text == "" {
			continue
		}
		tw, th := dc.MeasureString(l.Text)
		// Put the caption above the box, unless that would push it off the top of the frame
		ty := y - th - 4
		if ty < 0 {
			ty = y
		}
		dc.DrawRectangle(x, ty, tw+6, th+4)
		dc.Fill()
		dc.SetRGB(0, 0, 0)
		dc.DrawStringAnchored(l.Text, x+3, ty+2, 0, 1)
	}
	return dc.Image()
}
