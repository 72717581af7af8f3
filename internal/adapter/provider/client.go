// Package provider is the HTTP client for the Earth-observation data provider
// that serves daily Sentinel-5P swath rasters.
package provider

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ctessum/geom"
	"golang.org/x/time/rate"

	"github.com/couchcryptid/s5p-animator/internal/domain"
	"github.com/couchcryptid/s5p-animator/internal/observability"
)

const sessionHeader = "X-Session-ID"

// zipMagic prefixes every local file header of a ZIP archive.
var zipMagic = []byte("PK\x03\x04")

// maxRasterBytes caps the size of an extracted NetCDF member.
var maxRasterBytes int64 = 4 << 30

// Client talks to the provider API. Open must succeed before any fetch and
// Close releases the session.
type Client struct {
	token      string
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	metrics    *observability.Metrics
	logger     *slog.Logger

	mu      sync.RWMutex
	session string
}

// NewClient creates a provider client. rateLimit caps requests per second
// across all workers sharing the client.
func NewClient(baseURL, token string, timeout time.Duration, rateLimit float64, metrics *observability.Metrics, logger *slog.Logger) *Client {
	return &Client{
		token: token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		limiter: rate.NewLimiter(rate.Limit(rateLimit), 1),
		metrics: metrics,
		logger:  logger,
	}
}

// Open authenticates with the bearer token and starts a session.
func (c *Client) Open(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sessions", http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("open session: %w", statusError(resp))
	}

	var body sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode session response: %w", err)
	}
	if body.SessionID == "" {
		return errors.New("open session: provider returned an empty session id")
	}

	c.mu.Lock()
	c.session = body.SessionID
	c.mu.Unlock()
	c.logger.Info("provider session opened", "url", c.baseURL)
	return nil
}

// Close ends the session. Closing a client without a session is a no-op.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	session := c.session
	c.session = ""
	c.mu.Unlock()
	if session == "" {
		return nil
	}

	u := c.baseURL + "/v1/sessions/" + url.PathEscape(session)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("close session: %w", statusError(resp))
	}
	c.logger.Info("provider session closed")
	return nil
}

// CheckReadiness reports whether a session is open.
func (c *Client) CheckReadiness(_ context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == "" {
		return errors.New("provider session not open")
	}
	return nil
}

// FetchDailyRaster downloads the swaths of one day and writes them, as a
// NetCDF file, to req.Path. A ZIP response is unpacked and its first .nc
// member is written instead.
func (c *Client) FetchDailyRaster(ctx context.Context, req domain.FetchRequest) error {
	c.mu.RLock()
	session := c.session
	c.mu.RUnlock()
	if session == "" {
		return fmt.Errorf("fetch %s: no open session: %w", domain.FormatDate(req.Date), domain.ErrUnauthorized)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limit wait: %w", domain.ErrFetch, err)
	}

	u := fmt.Sprintf("%s/v1/collections/%s/daily", c.baseURL, url.PathEscape(req.Collection))
	params := url.Values{
		"band":   {req.Band},
		"date":   {domain.FormatDate(req.Date)},
		"region": {regionParam(req.Region)},
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u+"?"+params.Encode(), http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set(sessionHeader, session)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.metrics.FetchAttempts.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: daily raster request: %w", domain.ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := statusError(resp)
		c.metrics.FetchAttempts.WithLabelValues(outcome(err)).Inc()
		return fmt.Errorf("fetch %s: %w", domain.FormatDate(req.Date), err)
	}

	n, err := c.writeRaster(resp.Body, req.Path)
	c.metrics.FetchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.FetchAttempts.WithLabelValues("error").Inc()
		return err
	}
	c.metrics.FetchAttempts.WithLabelValues("success").Inc()

	c.logger.Debug("daily raster downloaded",
		"date", domain.FormatDate(req.Date),
		"collection", req.Collection,
		"bytes", n,
	)
	return nil
}

// writeRaster stores body at dst, unpacking it first when it is a ZIP archive.
func (c *Client) writeRaster(body io.Reader, dst string) (int64, error) {
	part := dst + ".part"
	f, err := os.Create(part)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", part, err)
	}
	defer os.Remove(part) //nolint:errcheck // no-op after a successful rename

	n, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("%w: read response body: %w", domain.ErrFetch, err)
	}

	isZip, err := hasPrefix(part, zipMagic)
	if err != nil {
		return n, err
	}
	if !isZip {
		if err := os.Rename(part, dst); err != nil {
			return n, fmt.Errorf("persist raster: %w", err)
		}
		return n, nil
	}
	return extractNetCDF(part, dst)
}

func hasPrefix(name string, prefix []byte) (bool, error) {
	f, err := os.Open(name)
	if err != nil {
		return false, err
	}
	defer f.Close()

	head := make([]byte, len(prefix))
	if _, err := io.ReadFull(f, head); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return false, nil
		}
		return false, err
	}
	return bytes.Equal(head, prefix), nil
}

// extractNetCDF copies the first .nc member of the archive at src to dst.
func extractNetCDF(src, dst string) (int64, error) {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return 0, fmt.Errorf("%w: open archive: %w", domain.ErrDecode, err)
	}
	defer zr.Close()

	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() || !strings.EqualFold(path.Ext(zf.Name), ".nc") {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return 0, fmt.Errorf("%w: open %s: %w", domain.ErrDecode, zf.Name, err)
		}
		defer rc.Close()

		out, err := os.Create(dst)
		if err != nil {
			return 0, fmt.Errorf("create %s: %w", dst, err)
		}
		n, err := io.Copy(out, io.LimitReader(rc, maxRasterBytes+1))
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err == nil && n > maxRasterBytes {
			err = fmt.Errorf("member exceeds %d bytes", maxRasterBytes)
		}
		if err != nil {
			os.Remove(dst) //nolint:errcheck // partial file is useless
			return n, fmt.Errorf("%w: extract %s: %w", domain.ErrDecode, zf.Name, err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("%w: archive holds no .nc member", domain.ErrDecode)
}

// statusError maps a non-success response onto the domain error taxonomy.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(body))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %w: status %d: %s", domain.ErrFetch, domain.ErrNoData, resp.StatusCode, msg)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", domain.ErrUnauthorized, resp.StatusCode, msg)
	default:
		return fmt.Errorf("%w: provider API error: status %d: %s", domain.ErrFetch, resp.StatusCode, msg)
	}
}

func outcome(err error) string {
	switch {
	case errors.Is(err, domain.ErrNoData):
		return "no_data"
	case errors.Is(err, domain.ErrUnauthorized):
		return "unauthorized"
	default:
		return "error"
	}
}

// regionParam encodes the region's bounding box as "minLon,minLat,maxLon,maxLat".
func regionParam(region geom.Polygon) string {
	if len(region) == 0 {
		region = domain.GlobalRegion()
	}
	b := region.Bounds()
	return strings.Join([]string{
		strconv.FormatFloat(b.Min.X, 'f', -1, 64),
		strconv.FormatFloat(b.Min.Y, 'f', -1, 64),
		strconv.FormatFloat(b.Max.X, 'f', -1, 64),
		strconv.FormatFloat(b.Max.Y, 'f', -1, 64),
	}, ",")
}

// Provider API response types.

type sessionResponse struct {
	SessionID string `json:"session_id"`
}
