package imageproxy

import (
	"slices"
	"strings"

	"Lumen/internal/core/request"
	"Lumen/internal/core/resize"
)

// FitMode defines how an image should be fitted to the target dimensions.
type FitMode string

const (
	// FitCover scales the image to cover the target dimensions, cropping if necessary.
	FitCover FitMode = "cover"
	// FitContain scales the image to fit within the target dimensions, preserving aspect ratio.
	FitContain FitMode = "contain"
)

func (f FitMode) String() string {
	return string(f)
}

// OutputFormat is the encoding of a served image.
type OutputFormat string

const (
	FormatJPEG OutputFormat = "jpeg"
	FormatPNG  OutputFormat = "png"
)

// ContentType returns the MIME type for the format.
func (f OutputFormat) ContentType() string {
	if f == FormatPNG {
		return "image/png"
	}
	return "image/jpeg"
}

// containHeightLimit bounds contain presets that only fix the width.
const containHeightLimit = 1 << 14

// Preset defines the configuration for an image transformation preset.
type Preset struct {
	Name    string
	Width   int
	Height  int
	Fit     FitMode
	Quality int
	Format  OutputFormat
}

// Validate checks that the preset has valid configuration values.
func (p Preset) Validate() error {
	if p.Name == "" || p.Width <= 0 {
		return ErrInvalidPreset
	}
	// Height can be 0 for FitContain (proportional scaling)
	if p.Fit == FitCover && p.Height <= 0 {
		return ErrInvalidPreset
	}
	if p.Quality < 1 || p.Quality > 100 {
		return ErrInvalidPreset
	}
	if p.Fit != FitCover && p.Fit != FitContain {
		return ErrInvalidPreset
	}
	if p.Format != FormatJPEG && p.Format != FormatPNG {
		return ErrInvalidPreset
	}
	return nil
}

// Apply sets the size options of the preset on b. Cover presets crop to the
// exact size. Contain presets cap the decoded size and never upscale.
func (p Preset) Apply(b *request.Builder) *request.Builder {
	switch p.Fit {
	case FitCover:
		return b.ResizeWith(resize.Resize{
			Size:      resize.Size{Width: p.Width, Height: p.Height},
			Precision: resize.Exactly,
			Scale:     resize.CenterCrop,
		})
	default:
		h := p.Height
		if h <= 0 {
			h = containHeightLimit
		}
		return b.MaxSize(p.Width, h)
	}
}

// presets is the registry of all available image presets.
var presets = map[string]Preset{
	"avatar": {
		Name:    "avatar",
		Width:   1000,
		Height:  1000,
		Fit:     FitCover,
		Quality: 85,
		Format:  FormatJPEG,
	},
	"avatar_small": {
		Name:    "avatar_small",
		Width:   360,
		Height:  360,
		Fit:     FitCover,
		Quality: 80,
		Format:  FormatJPEG,
	},
	"banner": {
		Name:    "banner",
		Width:   640,
		Height:  300,
		Fit:     FitCover,
		Quality: 85,
		Format:  FormatJPEG,
	},
	"content_preview": {
		Name:    "content_preview",
		Width:   800,
		Height:  0,
		Fit:     FitContain,
		Quality: 80,
		Format:  FormatJPEG,
	},
	"content_full": {
		Name:    "content_full",
		Width:   1600,
		Height:  0,
		Fit:     FitContain,
		Quality: 90,
		Format:  FormatPNG,
	},
	"embed_thumbnail": {
		Name:    "embed_thumbnail",
		Width:   720,
		Height:  360,
		Fit:     FitCover,
		Quality: 80,
		Format:  FormatJPEG,
	},
}

// GetPreset returns the preset configuration for the given name.
// Returns ErrInvalidPreset if the preset name is not found.
func GetPreset(name string) (Preset, error) {
	if name == "" {
		return Preset{}, ErrInvalidPreset
	}
	preset, exists := presets[name]
	if !exists {
		return Preset{}, ErrInvalidPreset
	}
	return preset, nil
}

// ListPresets returns all available presets sorted by name.
func ListPresets() []Preset {
	result := make([]Preset, 0, len(presets))
	for _, p := range presets {
		result = append(result, p)
	}
	slices.SortFunc(result, func(a, b Preset) int { return strings.Compare(a.Name, b.Name) })
	return result
}
