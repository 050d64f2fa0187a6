package codec

import (
	"sync"

	"github.com/pkg/errors"

	"rapidenc/pkg/models"
)

var (
	// ErrNoCompatibleEncoder is returned when no registered encoder matches
	// the codec, policy and color format
	ErrNoCompatibleEncoder = errors.New("codec: no compatible encoder")
	// ErrUnsupportedColorFormat is returned when an encoder advertises neither
	// planar nor semi-planar input
	ErrUnsupportedColorFormat = errors.New("codec: no planar or semi-planar color format advertised")
)

// Factory creates a new, unconfigured encoder instance
type Factory func() (Encoder, error)

// Info describes a registered encoder and its advertised capabilities
type Info struct {
	Name         string
	Codec        models.CodecType
	Hardware     bool
	ColorFormats []models.ColorFormat // in the encoder's order of preference
	New          Factory
}

// Supports reports whether the encoder advertises the color format.
// ColorFormatAuto matches any planar or semi-planar format.
func (i Info) Supports(color models.ColorFormat) bool {
	for _, c := range i.ColorFormats {
		if c == color {
			return true
		}
		if color == models.ColorFormatAuto && (c == models.ColorFormatPlanar || c == models.ColorFormatSemiPlanar) {
			return true
		}
	}
	return false
}

// ResolveColorFormat turns the requested color format into a concrete one.
// Auto picks the first planar or semi-planar format the encoder advertises.
func (i Info) ResolveColorFormat(requested models.ColorFormat) (models.ColorFormat, error) {
	if requested != models.ColorFormatAuto {
		if !i.Supports(requested) {
			return "", errors.Wrapf(ErrNoCompatibleEncoder, "%s does not accept %s input", i.Name, requested)
		}
		return requested, nil
	}
	for _, c := range i.ColorFormats {
		if c == models.ColorFormatPlanar || c == models.ColorFormatSemiPlanar {
			return c, nil
		}
	}
	return "", errors.Wrapf(ErrUnsupportedColorFormat, "encoder %s", i.Name)
}

// EncoderInfo converts the registration into its API representation
func (i Info) EncoderInfo() models.EncoderInfo {
	formats := make([]string, len(i.ColorFormats))
	for n, c := range i.ColorFormats {
		formats[n] = string(c)
	}
	return models.EncoderInfo{
		Name:         i.Name,
		Codec:        string(i.Codec),
		Hardware:     i.Hardware,
		ColorFormats: formats,
	}
}

// Registry holds the encoders available to sessions
type Registry struct {
	mu       sync.RWMutex
	encoders []Info
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds an encoder. Registration order is preference order within a policy.
func (r *Registry) Register(info Info) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for n, existing := range r.encoders {
		if existing.Name == info.Name {
			r.encoders[n] = info
			return
		}
	}
	r.encoders = append(r.encoders, info)
}

// All returns every registered encoder
func (r *Registry) All() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Info(nil), r.encoders...)
}

// Candidates returns the encoders for codec allowed by policy, hardware
// encoders first under the first-compatible policy.
func (r *Registry) Candidates(codec models.CodecType, policy models.SelectionPolicy) []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var hw, sw []Info
	for _, info := range r.encoders {
		if info.Codec != codec {
			continue
		}
		if info.Hardware {
			hw = append(hw, info)
		} else {
			sw = append(sw, info)
		}
	}

	switch policy {
	case models.PolicyHardware:
		return hw
	case models.PolicySoftware:
		return sw
	default:
		return append(hw, sw...)
	}
}

// Choose selects the first candidate that advertises the requested color format.
// name restricts the choice to one encoder when non-empty.
func (r *Registry) Choose(codec models.CodecType, policy models.SelectionPolicy, color models.ColorFormat, name string) (Info, error) {
	candidates := r.Candidates(codec, policy)
	if len(candidates) == 0 {
		return Info{}, errors.Wrapf(ErrNoCompatibleEncoder, "no %s encoder for policy %s", codec, policy)
	}

	for _, info := range candidates {
		if name != "" && info.Name != name {
			continue
		}
		if info.Supports(color) {
			return info, nil
		}
	}

	if name != "" {
		return Info{}, errors.Wrapf(ErrNoCompatibleEncoder, "encoder %q unavailable for %s/%s/%s", name, codec, policy, color)
	}
	return Info{}, errors.Wrapf(ErrNoCompatibleEncoder, "no %s encoder accepts %s input under policy %s", codec, color, policy)
}
