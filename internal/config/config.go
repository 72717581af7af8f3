package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"

	"github.com/couchcryptid/s5p-animator/internal/domain"
)

// Config holds the run parameters from the command line and the service
// settings from environment variables.
type Config struct {
	Run domain.RunRequest

	ProviderURL       string
	ProviderToken     string
	ProviderTimeout   time.Duration
	ProviderRateLimit float64

	FetchRetries    int
	FetchBackoff    time.Duration
	FetchMaxBackoff time.Duration
	Workers         int

	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Kafka event publishing is enabled when brokers are configured.
	KafkaBrokers []string
	KafkaTopic   string
}

// KafkaEnabled reports whether run events should be published.
func (c *Config) KafkaEnabled() bool { return len(c.KafkaBrokers) > 0 }

// Load parses the run flags from args and reads the remaining settings from
// the environment. Every error wraps domain.ErrConfiguration.
func Load(args []string) (*Config, error) {
	run, err := parseFlags(args)
	if err != nil {
		return nil, configError(err)
	}
	cfg, err := loadEnv()
	if err != nil {
		return nil, configError(err)
	}
	cfg.Run = run
	return cfg, nil
}

func configError(err error) error {
	if errors.Is(err, domain.ErrConfiguration) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrConfiguration, err)
}

func parseFlags(args []string) (domain.RunRequest, error) {
	fs := flag.NewFlagSet("animate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	pollutant := fs.String("p", "", "pollutant: SO2 or NO2")
	start := fs.String("s", "", "start date (YYYY-MM-DD)")
	end := fs.String("e", "", "end date (YYYY-MM-DD), inclusive")
	output := fs.String("o", "", "output directory")
	width := fs.Int("w", 0, "frame width in pixels")
	height := fs.Int("h", 0, "frame height in pixels")

	if err := fs.Parse(args); err != nil {
		return domain.RunRequest{}, err
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	var missing []string
	fs.VisitAll(func(f *flag.Flag) {
		if !set[f.Name] {
			missing = append(missing, "-"+f.Name)
		}
	})
	if len(missing) > 0 {
		return domain.RunRequest{}, fmt.Errorf("missing required arguments: %s", strings.Join(missing, " "))
	}

	p, err := domain.ParsePollutant(*pollutant)
	if err != nil {
		return domain.RunRequest{}, err
	}
	s, err := domain.ParseDate(*start)
	if err != nil {
		return domain.RunRequest{}, err
	}
	e, err := domain.ParseDate(*end)
	if err != nil {
		return domain.RunRequest{}, err
	}
	if s.After(e) {
		return domain.RunRequest{}, fmt.Errorf("start date %s is after end date %s", *start, *end)
	}
	if *width <= 0 || *height <= 0 {
		return domain.RunRequest{}, fmt.Errorf("image size must be positive, got %dx%d", *width, *height)
	}
	if strings.TrimSpace(*output) == "" {
		return domain.RunRequest{}, errors.New("output directory must not be empty")
	}

	return domain.RunRequest{
		Pollutant: p,
		Start:     s,
		End:       e,
		OutputDir: *output,
		Width:     *width,
		Height:    *height,
	}, nil
}

func loadEnv() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}
	providerTimeout, err := parsePositiveDuration("PROVIDER_TIMEOUT", "30s")
	if err != nil {
		return nil, err
	}
	backoff, err := parsePositiveDuration("FETCH_BACKOFF", "1s")
	if err != nil {
		return nil, err
	}
	maxBackoff, err := parsePositiveDuration("FETCH_MAX_BACKOFF", "10s")
	if err != nil {
		return nil, err
	}
	if maxBackoff < backoff {
		return nil, errors.New("FETCH_MAX_BACKOFF must not be less than FETCH_BACKOFF")
	}
	retries, err := parseInt("FETCH_RETRIES", 3, 0, 20)
	if err != nil {
		return nil, err
	}
	workers, err := parseInt("WORKERS", 4, 1, 64)
	if err != nil {
		return nil, err
	}

	rateLimit, err := strconv.ParseFloat(sharedcfg.EnvOrDefault("PROVIDER_RATE_LIMIT", "5"), 64)
	if err != nil || rateLimit <= 0 {
		return nil, errors.New("invalid PROVIDER_RATE_LIMIT: must be a positive number")
	}

	cfg := &Config{
		ProviderURL:       strings.TrimRight(sharedcfg.EnvOrDefault("PROVIDER_URL", ""), "/"),
		ProviderToken:     sharedcfg.EnvOrDefault("PROVIDER_TOKEN", ""),
		ProviderTimeout:   providerTimeout,
		ProviderRateLimit: rateLimit,
		FetchRetries:      retries,
		FetchBackoff:      backoff,
		FetchMaxBackoff:   maxBackoff,
		Workers:           workers,
		HTTPAddr:          sharedcfg.EnvOrDefault("HTTP_ADDR", ""),
		LogLevel:          sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:         sharedcfg.EnvOrDefault("LOG_FORMAT", "text"),
		ShutdownTimeout:   shutdownTimeout,
		KafkaBrokers:      sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "")),
		KafkaTopic:        sharedcfg.EnvOrDefault("KAFKA_TOPIC", "pollutant-animation-events"),
	}

	if cfg.ProviderURL == "" {
		return nil, errors.New("PROVIDER_URL is required")
	}
	if u, err := url.Parse(cfg.ProviderURL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.New("invalid PROVIDER_URL: must be an absolute URL")
	}
	if cfg.ProviderToken == "" {
		return nil, errors.New("PROVIDER_TOKEN is required")
	}

	return cfg, nil
}

func parsePositiveDuration(key, fallback string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, fallback))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive duration", key)
	}
	return d, nil
}

func parseInt(key string, fallback, lo, hi int) (int, error) {
	s := sharedcfg.EnvOrDefault(key, strconv.Itoa(fallback))
	n, err := strconv.Atoi(s)
	if err != nil || n < lo || n > hi {
		return 0, fmt.Errorf("invalid %s: must be %d-%d", key, lo, hi)
	}
	return n, nil
}
