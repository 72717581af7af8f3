// Command validate checks the output of an animate run: every frame in the
// range is a PNG of the expected size, and the GIF holds exactly those frames
// in date order with the expected timing and looping.
//
// Usage:
//
//	go run ./cmd/validate -dir out -s 2020-01-01 -e 2020-01-31 -w 360 -h 180
package main

import (
	"flag"
	"fmt"
	"image/gif"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/couchcryptid/s5p-animator/internal/animation"
	"github.com/couchcryptid/s5p-animator/internal/domain"
)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	dir := flag.String("dir", "", "output directory of the run")
	start := flag.String("s", "", "first date of the run, YYYY-MM-DD")
	end := flag.String("e", "", "last date of the run, YYYY-MM-DD")
	width := flag.Int("w", 0, "expected frame width in pixels")
	height := flag.Int("h", 0, "expected frame height in pixels")
	flag.Parse()

	if *dir == "" || *start == "" || *end == "" || *width <= 0 || *height <= 0 {
		flag.Usage()
		os.Exit(1)
	}
	from, err := domain.ParseDate(*start)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
	to, err := domain.ParseDate(*end)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}

	os.Exit(run(*dir, from, to, *width, *height))
}

func run(dir string, start, end time.Time, width, height int) int {
	fmt.Println("=== Animation Output Validation ===")
	fmt.Println()

	assembler := animation.NewAssembler(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	frames, err := assembler.Collect(dir, start, end)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: list frames: %v\n", err)
		return 1
	}

	gifPath := filepath.Join(dir, domain.AnimationFileName(start, end))
	anim, err := loadGIF(gifPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load animation: %v\n", err)
		return 1
	}

	phases := []*phase{
		validateFrames(frames, start, end, width, height),
		validateAnimation(anim, len(frames), width, height),
	}

	fmt.Println()
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	fmt.Println()
	fmt.Printf("Dates: %d requested, %d frames, %d in animation\n",
		len(domain.Days(start, end)), len(frames), len(anim.Image))

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll validations passed.")
		return 0
	}
	fmt.Println("\nValidation FAILED.")
	return 1
}

func loadGIF(path string) (*gif.GIF, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return gif.DecodeAll(f)
}

func validateFrames(frames []domain.RenderedFrame, start, end time.Time, width, height int) *phase {
	p := &phase{name: "Frames (range, order, size)"}
	if len(frames) == 0 {
		p.errorf("no frames between %s and %s", domain.FormatDate(start), domain.FormatDate(end))
	}
	if len(frames) > len(domain.Days(start, end)) {
		p.errorf("%d frames for %d dates", len(frames), len(domain.Days(start, end)))
	}
	for i, f := range frames {
		if i > 0 && !frames[i-1].Date.Before(f.Date) {
			p.errorf("%s is not after %s", filepath.Base(f.Path), filepath.Base(frames[i-1].Path))
		}
		checkPNG(p, f.Path, width, height)
	}
	return p
}

func checkPNG(p *phase, path string, width, height int) {
	f, err := os.Open(path)
	if err != nil {
		p.errorf("%s: %v", filepath.Base(path), err)
		return
	}
	defer f.Close()

	cfg, err := png.DecodeConfig(f)
	if err != nil {
		p.errorf("%s: not a PNG: %v", filepath.Base(path), err)
		return
	}
	if cfg.Width != width || cfg.Height != height {
		p.errorf("%s: %dx%d, want %dx%d", filepath.Base(path), cfg.Width, cfg.Height, width, height)
	}
}

func validateAnimation(anim *gif.GIF, frames, width, height int) *phase {
	p := &phase{name: "Animation (frames, timing, loop)"}
	if len(anim.Image) != frames {
		p.errorf("animation has %d frames, directory has %d", len(anim.Image), frames)
	}
	wantDelay := int(animation.FrameDelay / (10 * time.Millisecond))
	for i, d := range anim.Delay {
		if d != wantDelay {
			p.errorf("frame %d: delay %d, want %d", i, d, wantDelay)
		}
	}
	if anim.LoopCount != animation.LoopForever {
		p.errorf("loop count %d, want %d (forever)", anim.LoopCount, animation.LoopForever)
	}
	for i, img := range anim.Image {
		if b := img.Bounds(); b.Dx() != width || b.Dy() != height {
			p.errorf("frame %d: %dx%d, want %dx%d", i, b.Dx(), b.Dy(), width, height)
		}
	}
	return p
}
