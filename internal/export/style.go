package export

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/jo-hoe/mediajobs/internal/jobs"
)

// DefaultFontScale shrinks UI font sizes to match how the burned-in text
// looks on the device preview.
const DefaultFontScale = 0.8

// MarginV is expressed in units of the script height libass assumes for SRT input.
const (
	libassPlayResY  = 288
	opaqueBlack     = "&H00000000"
	alignBottomMid  = 2
	borderOpaqueBox = 3
)

// ASSStyle is a caption style in libass override terms.
type ASSStyle struct {
	FontSize      float64
	PrimaryColour string
	MarginPercent int // distance from the bottom edge, percent of frame height
	MarginV       int
}

// MapStyle converts a UI caption style into libass overrides. The UI measures
// vertical position from the top; libass measures the margin from the bottom.
func MapStyle(s jobs.Style, fontScale float64) (ASSStyle, error) {
	if err := s.Validate(); err != nil {
		return ASSStyle{}, err
	}
	if fontScale <= 0 {
		fontScale = DefaultFontScale
	}
	colour, err := ASSColour(s.PrimaryColor)
	if err != nil {
		return ASSStyle{}, err
	}
	percent := int(math.Round((1 - s.VerticalPosition) * 100))
	return ASSStyle{
		FontSize:      s.FontSizePt * fontScale,
		PrimaryColour: colour,
		MarginPercent: percent,
		MarginV:       int(math.Round(float64(percent) * libassPlayResY / 100)),
	}, nil
}

// ForceStyle renders the override string for ffmpeg's subtitles filter.
func (a ASSStyle) ForceStyle() string {
	parts := []string{
		"FontSize=" + strconv.FormatFloat(a.FontSize, 'f', -1, 64),
		"PrimaryColour=" + a.PrimaryColour,
		"BackColour=" + opaqueBlack,
		"BorderStyle=" + strconv.Itoa(borderOpaqueBox),
		"Outline=0",
		"Shadow=0",
		"Alignment=" + strconv.Itoa(alignBottomMid),
		"MarginV=" + strconv.Itoa(a.MarginV),
	}
	return strings.Join(parts, ",")
}

// ASSColour converts #RRGGBB or #AARRGGBB into libass &HAABBGGRR. Input that
// is already in &H form passes through. An empty colour means white.
func ASSColour(c string) (string, error) {
	c = strings.TrimSpace(c)
	if c == "" {
		return "&H00FFFFFF", nil
	}
	if strings.HasPrefix(strings.ToUpper(c), "&H") {
		hex := strings.TrimSuffix(c[2:], "&")
		if len(hex) != 6 && len(hex) != 8 || !isHex(hex) {
			return "", fmt.Errorf("invalid ASS colour %q", c)
		}
		return "&H" + strings.ToUpper(hex), nil
	}
	if !strings.HasPrefix(c, "#") {
		return "", fmt.Errorf("colour %q must start with # or &H", c)
	}
	hex := strings.ToUpper(c[1:])
	if !isHex(hex) {
		return "", fmt.Errorf("invalid colour %q", c)
	}
	switch len(hex) {
	case 6:
		return "&H00" + hex[4:6] + hex[2:4] + hex[0:2], nil
	case 8:
		// ARGB alpha is opacity, ASS alpha is transparency.
		a, _ := strconv.ParseUint(hex[0:2], 16, 8)
		return fmt.Sprintf("&H%02X%s%s%s", 255-a, hex[6:8], hex[4:6], hex[2:4]), nil
	default:
		return "", errors.New("colour must have 6 or 8 hex digits")
	}
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}
