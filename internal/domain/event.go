package domain

import (
	"math"
	"time"

	"github.com/ctessum/geom"
)

// Grid is a single-band raster stored row-major, north-up as delivered by the
// provider. NaN marks a no-data pixel.
type Grid struct {
	Width  int
	Height int
	Values []float64

	// Lats and Lons hold pixel-centre coordinates (len Height and len Width).
	// Either may be nil when the source carries no georeferencing.
	Lats []float64
	Lons []float64
}

// NewGrid allocates a width x height grid with every pixel set to no-data.
func NewGrid(width, height int) Grid {
	values := make([]float64, width*height)
	for i := range values {
		values[i] = math.NaN()
	}
	return Grid{Width: width, Height: height, Values: values}
}

// At returns the value at column x, row y.
func (g Grid) At(x, y int) float64 { return g.Values[y*g.Width+x] }

// Set stores v at column x, row y.
func (g Grid) Set(x, y int, v float64) { g.Values[y*g.Width+x] = v }

// Valid reports whether the pixel at column x, row y carries data.
func (g Grid) Valid(x, y int) bool { return !math.IsNaN(g.At(x, y)) }

// SameShape reports whether g and o have identical dimensions.
func (g Grid) SameShape(o Grid) bool {
	return g.Width == o.Width && g.Height == o.Height && len(g.Values) == len(o.Values)
}

// SwathRecord is one orbital-pass measurement. A nil DayIndex means the join
// key was missing from the source and the record cannot be grouped.
type SwathRecord struct {
	DayIndex *int
	Grid     Grid
}

// DailyComposite is the pixel-wise mean of all swaths sharing one day index.
type DailyComposite struct {
	Date     time.Time
	DayIndex int
	Grid     Grid
}

// RenderedFrame is a colour image persisted for one composite.
type RenderedFrame struct {
	Date   time.Time
	Path   string
	Width  int
	Height int
}

// Animation is the looping multi-frame image assembled at the end of a run.
type Animation struct {
	Name      string
	Path      string
	Frames    []RenderedFrame
	Delay     time.Duration
	LoopCount int // 0 loops forever
}

// FetchRequest asks the provider for one day of swaths and names the file the
// response must be written to.
type FetchRequest struct {
	Collection string
	Band       string
	Date       time.Time
	Region     geom.Polygon
	Path       string
}

// RunRequest carries the validated run parameters.
type RunRequest struct {
	Pollutant Pollutant
	Start     time.Time
	End       time.Time
	OutputDir string
	Width     int
	Height    int
}

// Event types published while a run progresses.
const (
	EventFrameRendered    = "frame_rendered"
	EventDateSkipped      = "date_skipped"
	EventAnimationCreated = "animation_created"
)

// RunEvent reports progress of a run to downstream consumers.
type RunEvent struct {
	Type      string    `json:"type"`
	Pollutant string    `json:"pollutant"`
	Date      string    `json:"date,omitempty"`
	Path      string    `json:"path,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
	Frames    int       `json:"frames,omitempty"`
	EmittedAt time.Time `json:"emitted_at"`
}

// NewRunEvent stamps an event with the package clock.
func NewRunEvent(eventType string, p Pollutant) RunEvent {
	return RunEvent{
		Type:      eventType,
		Pollutant: p.Name,
		EmittedAt: clock.Now().UTC(),
	}
}

// GlobalRegion is the near-global footprint requested from the provider.
// The corners stay clear of the poles and the antimeridian.
func GlobalRegion() geom.Polygon {
	return geom.Polygon{{
		{X: -179.99, Y: -89.99},
		{X: 179.99, Y: -89.99},
		{X: 179.99, Y: 89.99},
		{X: -179.99, Y: 89.99},
		{X: -179.99, Y: -89.99},
	}}
}

// RunProgress is a point-in-time snapshot of a run, served on /status.
type RunProgress struct {
	Pollutant string `json:"pollutant,omitempty"`
	Total     int    `json:"total"`
	Rendered  int    `json:"rendered"`
	Skipped   int    `json:"skipped"`
	Done      bool   `json:"done"`
}
