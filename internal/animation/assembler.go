// Package animation assembles rendered frames into a looping GIF.
package animation

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/couchcryptid/s5p-animator/internal/domain"
)

// FrameDelay is the display time of every frame.
const FrameDelay = 200 * time.Millisecond

// LoopForever is the GIF loop count for endless playback.
const LoopForever = 0

// Assembler builds animations from the frames in an output directory.
type Assembler struct {
	palette color.Palette
	logger  *slog.Logger
}

// NewAssembler returns an Assembler that quantises frames to pal. The first
// palette entry with zero alpha becomes the GIF transparent index.
func NewAssembler(pal color.Palette, logger *slog.Logger) *Assembler {
	return &Assembler{palette: pal, logger: logger}
}

// Collect lists the frames in dir whose names parse as dates inside
// [start, end], ordered chronologically. Any other file is ignored.
func (a *Assembler) Collect(dir string, start, end time.Time) ([]domain.RenderedFrame, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list frames in %s: %w", dir, err)
	}

	var frames []domain.RenderedFrame
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		date, ok := domain.ParseFrameName(e.Name())
		if !ok {
			continue
		}
		if !domain.InRange(date, start, end) {
			a.logger.Debug("ignoring frame outside range", "file", e.Name())
			continue
		}
		frames = append(frames, domain.RenderedFrame{Date: date, Path: filepath.Join(dir, e.Name())})
	}

	slices.SortFunc(frames, func(x, y domain.RenderedFrame) int {
		return x.Date.Compare(y.Date)
	})
	return frames, nil
}

// Assemble encodes frames, in the given order, into a looping GIF at path.
// It fails with domain.ErrAssembly when there is nothing to animate.
func (a *Assembler) Assemble(frames []domain.RenderedFrame, path string) (domain.Animation, error) {
	if len(frames) == 0 {
		return domain.Animation{}, fmt.Errorf("%w: no frames to animate", domain.ErrAssembly)
	}
	if len(a.palette) == 0 || len(a.palette) > 256 {
		return domain.Animation{}, fmt.Errorf("%w: palette must hold 1-256 colours, got %d", domain.ErrAssembly, len(a.palette))
	}

	frames = slices.Clone(frames)
	delay := int(FrameDelay / (10 * time.Millisecond))
	anim := &gif.GIF{LoopCount: LoopForever}
	var bounds image.Rectangle

	for i, f := range frames {
		img, err := readFrame(f.Path)
		if err != nil {
			return domain.Animation{}, err
		}
		if i == 0 {
			bounds = img.Bounds()
		} else if img.Bounds() != bounds {
			return domain.Animation{}, fmt.Errorf("%w: frame %s is %v, expected %v",
				domain.ErrAssembly, filepath.Base(f.Path), img.Bounds().Size(), bounds.Size())
		}

		pm := image.NewPaletted(bounds, a.palette)
		draw.Draw(pm, bounds, img, bounds.Min, draw.Src)

		anim.Image = append(anim.Image, pm)
		anim.Delay = append(anim.Delay, delay)
		anim.Disposal = append(anim.Disposal, gif.DisposalBackground)

		frames[i].Width, frames[i].Height = bounds.Dx(), bounds.Dy()
		a.logger.Debug("frame added", "file", filepath.Base(f.Path), "index", i)
	}
	anim.Config = image.Config{ColorModel: a.palette, Width: bounds.Dx(), Height: bounds.Dy()}

	if err := writeGIF(path, anim); err != nil {
		return domain.Animation{}, err
	}

	a.logger.Info("animation written", "path", path, "frames", len(frames))
	return domain.Animation{
		Name:      trimExt(filepath.Base(path)),
		Path:      path,
		Frames:    frames,
		Delay:     FrameDelay,
		LoopCount: LoopForever,
	}, nil
}

func readFrame(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open frame: %w", err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: decode frame %s: %w", domain.ErrAssembly, filepath.Base(path), err)
	}
	return img, nil
}

func writeGIF(path string, anim *gif.GIF) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".animation-*.gif")
	if err != nil {
		return fmt.Errorf("create animation: %w", err)
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name()) //nolint:errcheck // best-effort cleanup
		}
	}()

	if err := gif.EncodeAll(tmp, anim); err != nil {
		return errors.Join(fmt.Errorf("encode animation: %w", err), tmp.Close())
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close animation: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("persist animation %s: %w", path, err)
	}
	return nil
}

func trimExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}
