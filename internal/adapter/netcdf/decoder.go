// Package netcdf decodes the daily swath files delivered by the provider.
//
// A file holds the dimensions swath, lat and lon; the coordinate variables
// lat and lon; an integer day_index per swath; and one float band variable
// shaped [swath][lat][lon] (or [lat][lon] for a single swath). Both day_index
// and the band mark missing values with _FillValue.
package netcdf

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	cdf "github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"

	"github.com/couchcryptid/s5p-animator/internal/domain"
)

const (
	latVar      = "lat"
	lonVar      = "lon"
	dayIndexVar = "day_index"
	fillAttr    = "_FillValue"

	// dayIndexAttr is the global attribute carrying the day index of a
	// single-swath file that has no day_index variable.
	dayIndexAttr = "TIME_REFERENCE_DAYS_SINCE_1950"
)

// Decoder reads swath records from NetCDF files.
type Decoder struct {
	logger *slog.Logger
}

// NewDecoder creates a Decoder.
func NewDecoder(logger *slog.Logger) *Decoder {
	return &Decoder{logger: logger}
}

// Decode reads every swath of band from the file at path. Rows are returned
// north-up. Any failure wraps domain.ErrDecode.
func (d *Decoder) Decode(path, band string) ([]domain.SwathRecord, error) {
	nc, err := cdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", domain.ErrDecode, path, err)
	}
	defer nc.Close()

	v, err := nc.GetVariable(band)
	if err != nil {
		return nil, fmt.Errorf("%w: band %q: %w", domain.ErrDecode, band, err)
	}
	fill, hasFill := attrFloat(v.Attributes, fillAttr)

	grids, err := toGrids(v.Values, fill, hasFill)
	if err != nil {
		return nil, fmt.Errorf("%w: band %q: %w", domain.ErrDecode, band, err)
	}

	lats, err := coordinate(nc, latVar)
	if err != nil {
		return nil, err
	}
	lons, err := coordinate(nc, lonVar)
	if err != nil {
		return nil, err
	}

	days, err := dayIndices(nc, len(grids))
	if err != nil {
		return nil, err
	}

	southUp := len(lats) > 1 && lats[0] < lats[len(lats)-1]
	if southUp {
		lats = reversed(lats)
	}

	swaths := make([]domain.SwathRecord, len(grids))
	for i, g := range grids {
		if lats != nil && len(lats) != g.Height {
			return nil, fmt.Errorf("%w: lat has %d values, band has %d rows", domain.ErrDecode, len(lats), g.Height)
		}
		if lons != nil && len(lons) != g.Width {
			return nil, fmt.Errorf("%w: lon has %d values, band has %d columns", domain.ErrDecode, len(lons), g.Width)
		}
		if southUp {
			flipRows(g)
		}
		g.Lats, g.Lons = lats, lons
		swaths[i] = domain.SwathRecord{DayIndex: days[i], Grid: g}
	}

	d.logger.Debug("decoded swaths", "path", path, "band", band, "swaths", len(swaths))
	return swaths, nil
}

// toGrids converts a decoded band variable into one grid per swath.
func toGrids(values any, fill float64, hasFill bool) ([]domain.Grid, error) {
	switch v := values.(type) {
	case [][][]float32:
		return grids3(v, fill, hasFill)
	case [][][]float64:
		return grids3(v, fill, hasFill)
	case [][]float32:
		g, err := grid2(v, fill, hasFill)
		return []domain.Grid{g}, err
	case [][]float64:
		g, err := grid2(v, fill, hasFill)
		return []domain.Grid{g}, err
	default:
		return nil, fmt.Errorf("unsupported band layout %T", values)
	}
}

func grids3[T float32 | float64](v [][][]T, fill float64, hasFill bool) ([]domain.Grid, error) {
	out := make([]domain.Grid, len(v))
	for i, rows := range v {
		g, err := grid2(rows, fill, hasFill)
		if err != nil {
			return nil, fmt.Errorf("swath %d: %w", i, err)
		}
		out[i] = g
	}
	return out, nil
}

func grid2[T float32 | float64](rows [][]T, fill float64, hasFill bool) (domain.Grid, error) {
	height := len(rows)
	if height == 0 || len(rows[0]) == 0 {
		return domain.Grid{}, errors.New("empty raster")
	}
	width := len(rows[0])
	// Compare in the stored precision so a float32 fill matches exactly.
	fillT := T(fill)

	g := domain.NewGrid(width, height)
	for y, row := range rows {
		if len(row) != width {
			return domain.Grid{}, fmt.Errorf("ragged row %d", y)
		}
		for x, val := range row {
			if hasFill && val == fillT {
				continue
			}
			g.Set(x, y, float64(val))
		}
	}
	return g, nil
}

// coordinate returns a 1-D coordinate variable, or nil when the file has none.
func coordinate(nc api.Group, name string) ([]float64, error) {
	v, err := nc.GetVariable(name)
	if err != nil {
		return nil, nil //nolint:nilerr // coordinates are optional
	}
	switch vals := v.Values.(type) {
	case []float32:
		out := make([]float64, len(vals))
		for i, f := range vals {
			out[i] = float64(f)
		}
		return out, nil
	case []float64:
		return append([]float64(nil), vals...), nil
	default:
		return nil, fmt.Errorf("%w: coordinate %q has type %T", domain.ErrDecode, name, v.Values)
	}
}

// dayIndices returns the per-swath day index; nil entries mark a missing key.
func dayIndices(nc api.Group, swaths int) ([]*int, error) {
	out := make([]*int, swaths)

	v, err := nc.GetVariable(dayIndexVar)
	if err != nil {
		if idx, ok := attrFloat(nc.Attributes(), dayIndexAttr); ok && swaths == 1 {
			day := int(idx)
			out[0] = &day
		}
		return out, nil
	}

	raw, err := ints(v.Values)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrDecode, dayIndexVar, err)
	}
	if len(raw) != swaths {
		return nil, fmt.Errorf("%w: %s has %d values for %d swaths", domain.ErrDecode, dayIndexVar, len(raw), swaths)
	}
	fill, hasFill := attrFloat(v.Attributes, fillAttr)
	for i, day := range raw {
		if hasFill && float64(day) == fill {
			continue
		}
		out[i] = &day
	}
	return out, nil
}

func ints(values any) ([]int, error) {
	switch v := values.(type) {
	case []int32:
		return widen(v), nil
	case []int16:
		return widen(v), nil
	case []int64:
		return widen(v), nil
	case int32:
		return []int{int(v)}, nil
	default:
		return nil, fmt.Errorf("unsupported type %T", values)
	}
}

func widen[T int16 | int32 | int64](v []T) []int {
	out := make([]int, len(v))
	for i, x := range v {
		out[i] = int(x)
	}
	return out
}

// attrFloat reads a numeric attribute that may be stored as a scalar or a
// one-element array.
func attrFloat(attrs api.AttributeMap, key string) (float64, bool) {
	if attrs == nil {
		return 0, false
	}
	raw, ok := attrs.Get(key)
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case int32:
		return float64(v), true
	case int16:
		return float64(v), true
	case int64:
		return float64(v), true
	case []float32:
		if len(v) > 0 {
			return float64(v[0]), true
		}
	case []float64:
		if len(v) > 0 {
			return v[0], true
		}
	case []int32:
		if len(v) > 0 {
			return float64(v[0]), true
		}
	}
	return math.NaN(), false
}

func flipRows(g domain.Grid) {
	for top, bottom := 0, g.Height-1; top < bottom; top, bottom = top+1, bottom-1 {
		a := g.Values[top*g.Width : (top+1)*g.Width]
		b := g.Values[bottom*g.Width : (bottom+1)*g.Width]
		for x := range a {
			a[x], b[x] = b[x], a[x]
		}
	}
}

func reversed(v []float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[len(v)-1-i] = x
	}
	return out
}
