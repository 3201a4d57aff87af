// Package settings holds the per-product try-on calibration and the
// persistence boundary that enforces its invariants.
package settings

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// TryOnType is the accessory class a product is tried on as.
type TryOnType string

const (
	Glasses  TryOnType = "glasses"
	Hat      TryOnType = "hat"
	Earrings TryOnType = "earrings"
	Necklace TryOnType = "necklace"
)

// Types lists every supported try-on type.
var Types = []TryOnType{Glasses, Hat, Earrings, Necklace}

// Valid reports whether t is a supported type.
func (t TryOnType) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// ParseTryOnType parses a case-insensitive type name. An empty string parses
// to nil.
func ParseTryOnType(s string) (*TryOnType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return nil, nil
	}
	t := TryOnType(s)
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, s)
	}
	return &t, nil
}

// TypePtr returns a pointer to t.
func TypePtr(t TryOnType) *TryOnType {
	return &t
}

// Ranges and steps of the calibration parameters.
const (
	MinOffsetY  = -50.0
	MaxOffsetY  = 50.0
	OffsetYStep = 1.0

	MinScale  = 0.5
	MaxScale  = 2.0
	ScaleStep = 0.05

	NeutralOffsetY = 0.0
	NeutralScale   = 1.0
)

// CalibrationSettings is the persisted try-on configuration of one product.
// TryOnOffsetY is a percentage of the face height, negative moves up.
type CalibrationSettings struct {
	TryOnEnabled bool       `json:"tryOnEnabled" db:"try_on_enabled"`
	TryOnType    *TryOnType `json:"tryOnType" db:"try_on_type" validate:"omitempty,oneof=glasses hat earrings necklace"`
	TryOnOffsetY float64    `json:"tryOnOffsetY" db:"try_on_offset_y" validate:"gte=-50,lte=50"`
	TryOnScale   float64    `json:"tryOnScale" db:"try_on_scale" validate:"gte=0.5,lte=2"`
}

// Neutral returns the disabled settings every product starts with.
func Neutral() CalibrationSettings {
	return CalibrationSettings{
		TryOnEnabled: false,
		TryOnType:    nil,
		TryOnOffsetY: NeutralOffsetY,
		TryOnScale:   NeutralScale,
	}
}

// Normalize applies the disabled invariant: a disabled product has no type
// and neutral offset and scale, whatever the prior values.
func (s CalibrationSettings) Normalize() CalibrationSettings {
	if !s.TryOnEnabled {
		return Neutral()
	}
	if s.TryOnType != nil {
		t := *s.TryOnType
		s.TryOnType = &t
	}
	return s
}

// Type returns the try-on type, or the empty string when unset.
func (s CalibrationSettings) Type() TryOnType {
	if s.TryOnType == nil {
		return ""
	}
	return *s.TryOnType
}

// Equal reports whether two settings hold the same values.
func (s CalibrationSettings) Equal(o CalibrationSettings) bool {
	return s.TryOnEnabled == o.TryOnEnabled &&
		s.Type() == o.Type() &&
		s.TryOnOffsetY == o.TryOnOffsetY &&
		s.TryOnScale == o.TryOnScale
}

var validate = validator.New()

// Validate checks ranges and the type rules. Out-of-range values are
// rejected, never clamped.
func (s CalibrationSettings) Validate() error {
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			switch fe.StructField() {
			case "TryOnType":
				return fmt.Errorf("%w: %v", ErrInvalidType, fe.Value())
			case "TryOnOffsetY":
				return fmt.Errorf("%w: tryOnOffsetY %v not in [%g, %g]", ErrOutOfRange, fe.Value(), MinOffsetY, MaxOffsetY)
			case "TryOnScale":
				return fmt.Errorf("%w: tryOnScale %v not in [%g, %g]", ErrOutOfRange, fe.Value(), MinScale, MaxScale)
			}
		}
		return err
	}

	if s.TryOnEnabled && s.TryOnType == nil {
		return ErrTypeRequired
	}
	if !s.TryOnEnabled && s.TryOnType != nil {
		return fmt.Errorf("%w: disabled settings carry type %q", ErrInvalidType, *s.TryOnType)
	}
	return nil
}

// ErrOutOfRange is returned for offset or scale outside their ranges.
var ErrOutOfRange = errors.New("calibration value out of range")

// ErrTypeRequired is returned when try-on is enabled without a type.
var ErrTypeRequired = errors.New("try-on type required when enabled")

// ErrInvalidType is returned for an unknown try-on type.
var ErrInvalidType = errors.New("invalid try-on type")

// ErrNotFound is returned when a product has no stored settings.
var ErrNotFound = errors.New("settings not found")
