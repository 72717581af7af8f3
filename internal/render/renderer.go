// Package render turns daily composites into fixed-size colour frames.
package render

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"slices"

	xdraw "golang.org/x/image/draw"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/palette/moreland"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/couchcryptid/s5p-animator/internal/domain"
)

// Default output dimensions in pixels.
const (
	DefaultWidth  = 360
	DefaultHeight = 180
)

// paletteSize is the number of colour-map entries in the shared palette. One
// slot of the 256-entry GIF palette is reserved for transparency.
const paletteSize = 255

// frameDPI makes one vg point equal one output pixel.
const frameDPI = 72

// Renderer colours composites for a single pollutant. The colour map and clip
// range are fixed at construction, so every frame of a run shares them.
type Renderer struct {
	pollutant domain.Pollutant
	width     int
	height    int
	cmap      palette.ColorMap
	palette   color.Palette
}

// New returns a Renderer producing width x height frames for p.
func New(p domain.Pollutant, width, height int) (*Renderer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: frame size must be positive, got %dx%d", domain.ErrConfiguration, width, height)
	}
	if p.Clip.Max <= p.Clip.Min {
		return nil, fmt.Errorf("%w: empty clip range for %s", domain.ErrConfiguration, p)
	}
	cmap := moreland.ExtendedBlackBody()
	cmap.SetMin(p.Clip.Min)
	cmap.SetMax(p.Clip.Max)

	pal, err := samplePalette(cmap, p.Clip)
	if err != nil {
		return nil, fmt.Errorf("build palette for %s: %w", p, err)
	}
	return &Renderer{pollutant: p, width: width, height: height, cmap: cmap, palette: pal}, nil
}

// samplePalette evaluates cmap at evenly spaced points of clip. The last
// sample is pinned to clip.Max so rounding never overflows the map.
func samplePalette(cmap palette.ColorMap, clip domain.ClipRange) (color.Palette, error) {
	pal := make(color.Palette, 0, paletteSize+1)
	pal = append(pal, color.Transparent)
	span := clip.Max - clip.Min
	for i := range paletteSize {
		v := clip.Min + span*float64(i)/float64(paletteSize-1)
		if i == paletteSize-1 {
			v = clip.Max
		}
		c, err := cmap.At(v)
		if err != nil {
			return nil, err
		}
		pal = append(pal, c)
	}
	return pal, nil
}

// Size returns the output frame dimensions.
func (r *Renderer) Size() (width, height int) { return r.width, r.height }

// Palette returns the indexed palette frames are quantised to when animated:
// transparent first, then the colour map sampled evenly over the clip range.
func (r *Renderer) Palette() color.Palette {
	return slices.Clone(r.palette)
}

// Colorize maps g onto an image of the grid's native size. No-data pixels are
// fully transparent and values outside the clip range saturate.
func (r *Renderer) Colorize(g domain.Grid) (*image.NRGBA, error) {
	img := image.NewNRGBA(image.Rect(0, 0, g.Width, g.Height))
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			v := g.At(x, y)
			if math.IsNaN(v) {
				continue
			}
			c, err := r.cmap.At(r.pollutant.Clip.Saturate(v))
			if err != nil {
				return nil, fmt.Errorf("colour pixel (%d,%d) value %g: %w", x, y, v, err)
			}
			img.Set(x, y, c)
		}
	}
	return img, nil
}

// Render colours c and scales it to the configured frame size.
func (r *Renderer) Render(c domain.DailyComposite) (image.Image, error) {
	cv, err := r.frame(c)
	if err != nil {
		return nil, err
	}
	return cv.Image(), nil
}

// WriteFrame renders c and persists it as <dir>/<YYYY-MM-DD>.png.
func (r *Renderer) WriteFrame(c domain.DailyComposite, dir string) (domain.RenderedFrame, error) {
	cv, err := r.frame(c)
	if err != nil {
		return domain.RenderedFrame{}, err
	}

	path := filepath.Join(dir, domain.FrameName(c.Date))
	tmp, err := os.CreateTemp(dir, ".frame-*.png")
	if err != nil {
		return domain.RenderedFrame{}, fmt.Errorf("create frame: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // no-op after a successful rename

	if _, err := (vgimg.PngCanvas{Canvas: cv}).WriteTo(tmp); err != nil {
		tmp.Close() //nolint:errcheck,gosec // write error takes precedence
		return domain.RenderedFrame{}, fmt.Errorf("encode frame %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return domain.RenderedFrame{}, fmt.Errorf("close frame %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return domain.RenderedFrame{}, fmt.Errorf("persist frame %s: %w", path, err)
	}

	return domain.RenderedFrame{
		Date:   domain.Day(c.Date),
		Path:   path,
		Width:  r.width,
		Height: r.height,
	}, nil
}

// frame colours c, scales it to the frame size and places it on a transparent
// canvas.
func (r *Renderer) frame(c domain.DailyComposite) (*vgimg.Canvas, error) {
	if c.Grid.Width <= 0 || c.Grid.Height <= 0 {
		return nil, fmt.Errorf("%w: composite %s has empty grid", domain.ErrDecode, domain.FormatDate(c.Date))
	}
	src, err := r.Colorize(c.Grid)
	if err != nil {
		return nil, err
	}
	return r.canvas(r.scale(src)), nil
}

// scale resizes src to the frame size with nearest-neighbour sampling, so
// no-data pixels stay fully transparent and valid pixels stay opaque.
func (r *Renderer) scale(src *image.NRGBA) *image.NRGBA {
	if src.Bounds().Dx() == r.width && src.Bounds().Dy() == r.height {
		return src
	}
	dst := image.NewNRGBA(image.Rect(0, 0, r.width, r.height))
	xdraw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return dst
}

// canvas draws src, already at frame size, onto a transparent canvas 1:1.
func (r *Renderer) canvas(src image.Image) *vgimg.Canvas {
	w, h := vg.Length(r.width), vg.Length(r.height)
	c := vgimg.NewWith(
		vgimg.UseWH(w, h),
		vgimg.UseDPI(frameDPI),
		vgimg.UseBackgroundColor(color.Transparent),
	)
	c.DrawImage(vg.Rectangle{Max: vg.Point{X: w, Y: h}}, src)
	return c
}
