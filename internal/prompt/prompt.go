// Package prompt renders staging prompts from a template string by token
// substitution. Recognized tokens use {{name}} syntax; anything else in the
// template, including unrecognized tokens, passes through verbatim.
package prompt

import (
	"fmt"
	"strings"

	"github.com/verdantlab/plantstage/internal/geometry"
)

// DefaultTemplate is used when the session has no saved template.
const DefaultTemplate = `Photorealistic product staging photo: place {{productName}} ({{productHeight}} cm tall, nursery pot {{potHeight}} cm) inside {{containerName}} ({{containerDimension}}, {{containerHeight}} cm tall). The nursery pot is raised by {{heightDiff}} cm of filler so the plant stands {{finalHeight}} cm overall, {{hrate}} times the container height. The visible fill surface is covered with {{topping}}. {{scene}}`

// Tokens lists every recognized substitution token, without braces.
func Tokens() []string {
	return []string{
		"productName",
		"productHeight",
		"potHeight",
		"containerName",
		"containerHeight",
		"heightDiff",
		"finalHeight",
		"hrate",
		"formattedDimension",
		"containerDimension",
		"topping",
		"scene",
	}
}

// Values are the inputs a template draws on. Dimensions are centimeters.
// CustomLift, when non-nil, overrides the derived lift for heightDiff,
// finalHeight and hrate.
type Values struct {
	ProductName        string
	ProductHeightCm    float64
	PotHeightCm        float64
	ContainerName      string
	ContainerHeightCm  float64
	ContainerDimension string
	Topping            string
	Scene              string
	CustomLift         *float64
}

// Render substitutes every occurrence of every recognized token. Substitution
// is global and order-independent; a token-free template comes back unchanged.
func Render(template string, v Values) string {
	lift := geometry.MaxLift(v.ContainerHeightCm, v.PotHeightCm)
	if v.CustomLift != nil {
		lift = *v.CustomLift
	}
	final := v.ProductHeightCm + lift

	dimension := v.ContainerDimension
	if dimension == "" {
		h := geometry.FormatCm(v.ContainerHeightCm)
		dimension = fmt.Sprintf("%sx%s", h, h)
	}

	replacer := strings.NewReplacer(
		"{{productName}}", v.ProductName,
		"{{productHeight}}", geometry.FormatCm(v.ProductHeightCm),
		"{{potHeight}}", geometry.FormatCm(v.PotHeightCm),
		"{{containerName}}", v.ContainerName,
		"{{containerHeight}}", geometry.FormatCm(v.ContainerHeightCm),
		"{{heightDiff}}", geometry.FormatCm(lift),
		"{{finalHeight}}", geometry.FormatCm(final),
		"{{hrate}}", geometry.FormatRatio(final, v.ContainerHeightCm),
		"{{formattedDimension}}", dimension,
		"{{containerDimension}}", dimension,
		"{{topping}}", v.Topping,
		"{{scene}}", v.Scene,
	)

	return replacer.Replace(template)
}
