package domain

import (
	"fmt"
	"strings"
)

// ClipRange bounds the visual intensity of a pollutant. Values outside the
// range saturate to the nearest bound before colour mapping.
type ClipRange struct {
	Min float64
	Max float64
}

// Saturate clamps v into [Min, Max].
func (c ClipRange) Saturate(v float64) float64 {
	if v <= c.Min {
		return c.Min
	}
	if v >= c.Max {
		return c.Max
	}
	return v
}

// Normalize maps v onto [0, 1] after saturation.
func (c ClipRange) Normalize(v float64) float64 {
	span := c.Max - c.Min
	if span <= 0 {
		return 0
	}
	return (c.Saturate(v) - c.Min) / span
}

// Pollutant identifies one Sentinel-5P Level 3 product together with the band
// that carries its column density and the clip range used to render it.
type Pollutant struct {
	Name       string
	Collection string
	Band       string
	Clip       ClipRange
}

func (p Pollutant) String() string { return p.Name }

// IsZero reports whether p is the zero value (no pollutant selected).
func (p Pollutant) IsZero() bool { return p.Name == "" }

var (
	SO2 = Pollutant{
		Name:       "SO2",
		Collection: "COPERNICUS/S5P/OFFL/L3_SO2",
		Band:       "SO2_column_number_density",
		Clip:       ClipRange{Min: 0, Max: 0.001},
	}
	NO2 = Pollutant{
		Name:       "NO2",
		Collection: "COPERNICUS/S5P/OFFL/L3_NO2",
		Band:       "tropospheric_NO2_column_number_density",
		Clip:       ClipRange{Min: 0, Max: 0.0001},
	}
)

// pollutants is the closed set of supported products.
var pollutants = []Pollutant{SO2, NO2}

// Pollutants returns the supported products in a stable order.
func Pollutants() []Pollutant {
	out := make([]Pollutant, len(pollutants))
	copy(out, pollutants)
	return out
}

// ParsePollutant resolves a case-insensitive pollutant name ("so2", "NO2").
func ParsePollutant(name string) (Pollutant, error) {
	name = strings.TrimSpace(name)
	for _, p := range pollutants {
		if strings.EqualFold(p.Name, name) {
			return p, nil
		}
	}
	names := make([]string, len(pollutants))
	for i, p := range pollutants {
		names[i] = p.Name
	}
	return Pollutant{}, fmt.Errorf("%w: unknown pollutant %q, expected one of %s",
		ErrConfiguration, name, strings.Join(names, ", "))
}
