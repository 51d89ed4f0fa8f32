// Package geometry derives the physical staging parameters for a product
// placed inside a container: how much filler lift the container provides and
// the resulting visual total height.
package geometry

import (
	"errors"
	"fmt"
	"strconv"
)

// MinClearanceCm is the minimum gap between container rim and nursery pot
// needed for the topping fill layer.
const MinClearanceCm = 2.0

var ErrInsufficientClearance = errors.New("container leaves insufficient clearance for topping layer")

// Input holds the numeric dimensions the derivation runs on, in centimeters.
// CustomLift, when non-nil, overrides the derived lift.
type Input struct {
	ProductHeightCm   float64
	PotHeightCm       float64
	ContainerHeightCm float64
	CustomLift        *float64
}

// Result is the derived staging geometry.
type Result struct {
	LiftHeightCm  float64
	VisualTotalCm float64
	Valid         bool
	Message       string
}

// MaxLift returns the largest lift the container can provide: the container
// height minus the nursery pot height, floored at zero.
func MaxLift(containerHeightCm, potHeightCm float64) float64 {
	lift := containerHeightCm - potHeightCm
	if lift < 0 {
		return 0
	}
	return lift
}

// Derive computes the staging geometry. It is total: any numeric input
// produces a Result, valid or not.
func Derive(in Input) Result {
	lift := MaxLift(in.ContainerHeightCm, in.PotHeightCm)
	if in.CustomLift != nil {
		lift = *in.CustomLift
	}

	total := in.ProductHeightCm + lift

	r := Result{
		LiftHeightCm:  lift,
		VisualTotalCm: total,
		Valid:         total > 0,
	}
	r.Message = fmt.Sprintf("Visual total height %s cm (product %s cm + lift %s cm)",
		FormatCm(total), FormatCm(in.ProductHeightCm), FormatCm(lift))
	return r
}

// CheckClearance is the admission rule run before generation is dispatched.
// It uses the nominal pot height, not a user lift override: a container whose
// rim sits less than MinClearanceCm above the pot cannot take the topping
// fill and generation is refused.
func CheckClearance(containerHeightCm, potHeightCm float64) error {
	clearance := containerHeightCm - potHeightCm
	if clearance < MinClearanceCm {
		return fmt.Errorf("%w: clearance %s cm, need at least %s cm",
			ErrInsufficientClearance, FormatCm(clearance), FormatCm(MinClearanceCm))
	}
	return nil
}

// FormatCm renders a centimeter value without trailing zeros ("15", "7.5").
func FormatCm(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// FormatRatio renders height/container ratios with exactly one decimal digit,
// "0.0" when the denominator is zero.
func FormatRatio(numerator, denominator float64) string {
	if denominator == 0 {
		return "0.0"
	}
	return strconv.FormatFloat(numerator/denominator, 'f', 1, 64)
}
