// Command genmock writes synthetic daily swath files for local end-to-end
// runs, and can serve them through a minimal provider API.
//
// Each day gets three swaths on a 2-degree global grid: two orbit stripes
// carrying a drifting plume and one swath with a missing day index. Every
// fourth day is left out to exercise gap handling.
//
// Usage:
//
//	go run ./cmd/genmock -p SO2 -s 2020-01-01 -e 2020-01-10 -out data/mock
//	go run ./cmd/genmock -out data/mock -serve :8081
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/batchatco/go-native-netcdf/netcdf/cdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"
	"github.com/batchatco/go-native-netcdf/netcdf/util"

	"github.com/couchcryptid/s5p-animator/internal/domain"
)

const (
	cellDegrees = 2.0
	bandFill    = float32(9.96921e36)
	dayFill     = int32(-2147483647)
	mockSession = "mock-session"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	pollutant := flag.String("p", "SO2", "pollutant to generate (SO2 or NO2)")
	start := flag.String("s", "", "first date, YYYY-MM-DD")
	end := flag.String("e", "", "last date, YYYY-MM-DD")
	out := flag.String("out", "", "output directory")
	serve := flag.String("serve", "", "serve -out as a provider API on this address instead of generating")
	flag.Parse()

	if *out == "" {
		flag.Usage()
		return errors.New("missing required flag: -out")
	}
	if *serve != "" {
		return serveFiles(*serve, *out)
	}
	if *start == "" || *end == "" {
		flag.Usage()
		return errors.New("missing required flags: -s, -e")
	}

	p, err := domain.ParsePollutant(*pollutant)
	if err != nil {
		return err
	}
	from, err := domain.ParseDate(*start)
	if err != nil {
		return err
	}
	to, err := domain.ParseDate(*end)
	if err != nil {
		return err
	}

	dir := filepath.Join(*out, p.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	var written int
	for i, day := range domain.Days(from, to) {
		if i%4 == 3 {
			log.Printf("%s: skipped (gap)", domain.FormatDate(day))
			continue
		}
		path := filepath.Join(dir, domain.FormatDate(day)+".nc")
		if err := writeDay(path, p, day, i); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		written++
		log.Printf("%s: wrote %s", domain.FormatDate(day), path)
	}
	log.Printf("total: %d files", written)
	return nil
}

// writeDay writes one file holding three swaths of band p.Band for day.
func writeDay(path string, p domain.Pollutant, day time.Time, seq int) error {
	lats := axis(-90+cellDegrees/2, 90)
	lons := axis(-180+cellDegrees/2, 180)
	idx := int32(domain.DayIndex(day))

	// The plume drifts east by 15 degrees a day.
	plumeLon := math.Mod(-150+15*float64(seq)+180, 360) - 180
	swaths := [][][]float32{
		swath(lats, lons, -180, 30, plumeLon, p.Clip.Max),
		swath(lats, lons, 0, 180, plumeLon, p.Clip.Max),
		swath(lats, lons, -60, 60, plumeLon, p.Clip.Max),
	}

	cw, err := cdf.OpenWriter(path)
	if err != nil {
		return err
	}

	band, err := util.NewOrderedMap([]string{"_FillValue"}, map[string]any{"_FillValue": bandFill})
	if err != nil {
		return errors.Join(err, cw.Close())
	}
	dayAttrs, err := util.NewOrderedMap([]string{"_FillValue"}, map[string]any{"_FillValue": dayFill})
	if err != nil {
		return errors.Join(err, cw.Close())
	}
	global, err := util.NewOrderedMap([]string{"collection"}, map[string]any{"collection": p.Collection})
	if err != nil {
		return errors.Join(err, cw.Close())
	}

	vars := []struct {
		name string
		v    api.Variable
	}{
		{"lat", api.Variable{Values: lats, Dimensions: []string{"lat"}}},
		{"lon", api.Variable{Values: lons, Dimensions: []string{"lon"}}},
		{"day_index", api.Variable{Values: []int32{idx, idx, dayFill}, Dimensions: []string{"swath"}, Attributes: dayAttrs}},
		{p.Band, api.Variable{Values: swaths, Dimensions: []string{"swath", "lat", "lon"}, Attributes: band}},
	}
	if err := cw.AddGlobalAttrs(global); err != nil {
		return errors.Join(err, cw.Close())
	}
	for _, v := range vars {
		if err := cw.AddVar(v.name, v.v); err != nil {
			return errors.Join(fmt.Errorf("add %s: %w", v.name, err), cw.Close())
		}
	}
	return cw.Close()
}

func axis(first, limit float64) []float32 {
	var out []float32
	for v := first; v < limit; v += cellDegrees {
		out = append(out, float32(v))
	}
	return out
}

// swath fills the stripe [west, east) with a Gaussian plume centred at
// (plumeLon, 20N) over a weak background; everything else is fill.
func swath(lats, lons []float32, west, east, plumeLon, peak float64) [][]float32 {
	rows := make([][]float32, len(lats))
	for y, lat := range lats {
		row := make([]float32, len(lons))
		for x, lon := range lons {
			if float64(lon) < west || float64(lon) >= east {
				row[x] = bandFill
				continue
			}
			dx, dy := float64(lon)-plumeLon, float64(lat)-20
			v := 0.05*peak + peak*math.Exp(-(dx*dx+dy*dy)/(2*15*15))
			row[x] = float32(v)
		}
		rows[y] = row
	}
	return rows
}

// serveFiles exposes dir/<POLLUTANT>/<date>.nc through the provider API.
func serveFiles(addr, dir string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"session_id":%q}`, mockSession)
	})
	mux.HandleFunc("DELETE /v1/sessions/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /v1/collections/{collection}/daily", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Session-ID") != mockSession {
			http.Error(w, "unknown session", http.StatusUnauthorized)
			return
		}
		p, ok := byCollection(r.PathValue("collection"))
		if !ok {
			http.Error(w, "unknown collection", http.StatusNotFound)
			return
		}
		date, err := domain.ParseDate(r.URL.Query().Get("date"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		path := filepath.Join(dir, p.Name, domain.FormatDate(date)+".nc")
		if _, err := os.Stat(path); err != nil {
			http.Error(w, "no data for date", http.StatusNotFound)
			return
		}
		log.Printf("serving %s", path)
		http.ServeFile(w, r, path)
	})

	log.Printf("mock provider listening on %s, serving %s", addr, dir)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return srv.ListenAndServe()
}

func byCollection(collection string) (domain.Pollutant, bool) {
	for _, p := range domain.Pollutants() {
		if p.Collection == collection {
			return p, true
		}
	}
	return domain.Pollutant{}, false
}
