package domain

import (
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/ctessum/geom"
)

// GroupByDay joins swaths on exact day-index equality. Swaths without a day
// index are rejected with a warning; they never fail the whole date.
func GroupByDay(swaths []SwathRecord, logger *slog.Logger) map[int][]SwathRecord {
	groups := make(map[int][]SwathRecord)
	for i, s := range swaths {
		if s.DayIndex == nil {
			logger.Warn("swath missing day index, excluding from composite", "swath", i)
			continue
		}
		groups[*s.DayIndex] = append(groups[*s.DayIndex], s)
	}
	return groups
}

// Reduce computes the pixel-wise arithmetic mean over the valid samples of a
// group. A pixel with no valid sample stays NaN. Samples are sorted per pixel
// before summation so any permutation of the group yields identical bits.
func Reduce(group []SwathRecord) (Grid, error) {
	if len(group) == 0 {
		return Grid{}, fmt.Errorf("reduce: empty swath group")
	}

	first := group[0].Grid
	for i, s := range group[1:] {
		if !s.Grid.SameShape(first) {
			return Grid{}, fmt.Errorf("%w: swath %d is %dx%d, expected %dx%d",
				ErrDecode, i+1, s.Grid.Width, s.Grid.Height, first.Width, first.Height)
		}
	}

	out := NewGrid(first.Width, first.Height)
	out.Lats = first.Lats
	out.Lons = first.Lons

	samples := make([]float64, 0, len(group))
	for i := range out.Values {
		samples = samples[:0]
		for _, s := range group {
			if v := s.Grid.Values[i]; !math.IsNaN(v) {
				samples = append(samples, v)
			}
		}
		if len(samples) == 0 {
			continue
		}
		slices.Sort(samples)
		var sum float64
		for _, v := range samples {
			sum += v
		}
		out.Values[i] = sum / float64(len(samples))
	}
	return out, nil
}

// BuildComposite produces the composite for date from the swaths fetched for
// it. The boolean is false when no swath matches the date's day index; that
// is a missing date, not an error.
func BuildComposite(date time.Time, swaths []SwathRecord, region geom.Polygon, logger *slog.Logger) (DailyComposite, bool, error) {
	idx := DayIndex(date)
	groups := GroupByDay(swaths, logger)

	for other, g := range groups {
		if other != idx {
			logger.Debug("ignoring swaths from another day",
				"date", FormatDate(date), "day_index", other, "swaths", len(g))
		}
	}

	group := groups[idx]
	if len(group) == 0 {
		return DailyComposite{}, false, nil
	}

	grid, err := Reduce(group)
	if err != nil {
		return DailyComposite{}, false, fmt.Errorf("composite %s: %w", FormatDate(date), err)
	}
	maskOutsideRegion(grid, region)

	return DailyComposite{Date: Day(date), DayIndex: idx, Grid: grid}, true, nil
}

// maskOutsideRegion clears pixels whose centre falls outside the region's
// bounding box. Grids without coordinates are left untouched.
func maskOutsideRegion(g Grid, region geom.Polygon) {
	if len(region) == 0 || len(g.Lats) != g.Height || len(g.Lons) != g.Width {
		return
	}
	b := region.Bounds()
	for y, lat := range g.Lats {
		for x, lon := range g.Lons {
			if lon < b.Min.X || lon > b.Max.X || lat < b.Min.Y || lat > b.Max.Y {
				g.Set(x, y, math.NaN())
			}
		}
	}
}
