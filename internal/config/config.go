// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds every tunable of the upload service and the backfill tool.
//
// Values resolve in three layers: explicit options passed to Load win over
// environment variables, which win over the defaults returned by Default.
type Config struct {
	HTTPAddr string

	UploadDir      string
	MaxUploadBytes int64
	MaxUploadFiles int

	ThumbSize    int
	ThumbQuality int
	JPEGQuality  int
	WebPQuality  int
	WebPMethod   int

	OptimizeEnabled     bool
	OptimizeConcurrency int

	JWTSecret string

	NATSURL          string
	OptimizedSubject string
}

// Option sets a value explicitly, overriding both environment and default.
type Option func(*Config)

func WithUploadDir(dir string) Option { return func(c *Config) { c.UploadDir = dir } }
func WithMaxUploadBytes(n int64) Option { return func(c *Config) { c.MaxUploadBytes = n } }
func WithThumbSize(px int) Option { return func(c *Config) { c.ThumbSize = px } }
func WithThumbQuality(q int) Option { return func(c *Config) { c.ThumbQuality = q } }
func WithOptimizeEnabled(enabled bool) Option { return func(c *Config) { c.OptimizeEnabled = enabled } }
func WithHTTPAddr(addr string) Option { return func(c *Config) { c.HTTPAddr = addr } }

// Default returns the built-in configuration. The 100 MB upload limit leaves
// room for full-resolution camera output.
func Default() Config {
	return Config{
		HTTPAddr:            ":5000",
		UploadDir:           "./uploads",
		MaxUploadBytes:      100 << 20,
		MaxUploadFiles:      10,
		ThumbSize:           400,
		ThumbQuality:        80,
		JPEGQuality:         85,
		WebPQuality:         85,
		WebPMethod:          4,
		OptimizeEnabled:     true,
		OptimizeConcurrency: 0,
		OptimizedSubject:    "uploads.optimized",
	}
}

// Load builds a Config from defaults, then the environment, then opts.
func Load(opts ...Option) (Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.HTTPAddr = getenv("HTTP_ADDR", c.HTTPAddr)
	c.UploadDir = getenv("UPLOAD_DIR", c.UploadDir)
	c.JWTSecret = getenv("JWT_SECRET", c.JWTSecret)
	c.NATSURL = getenv("NATS_URL", c.NATSURL)
	c.OptimizedSubject = getenv("SUBJECT_UPLOAD_OPTIMIZED", c.OptimizedSubject)

	if v := getenv("MAX_UPLOAD_BYTES", ""); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid MAX_UPLOAD_BYTES: %w", err)
		}
		c.MaxUploadBytes = n
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"MAX_UPLOAD_FILES", &c.MaxUploadFiles},
		{"THUMB_SIZE", &c.ThumbSize},
		{"THUMB_QUALITY", &c.ThumbQuality},
		{"JPEG_QUALITY", &c.JPEGQuality},
		{"WEBP_QUALITY", &c.WebPQuality},
	}
	for _, f := range ints {
		v := getenv(f.name, "")
		if v == "" {
			continue
		}
		n, err := parsePositiveInt(v, f.name)
		if err != nil {
			return err
		}
		*f.dst = n
	}

	// Zero is meaningful for these two, so they skip parsePositiveInt.
	if v := getenv("WEBP_METHOD", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid WEBP_METHOD: %w", err)
		}
		c.WebPMethod = n
	}
	if v := getenv("OPTIMIZE_CONCURRENCY", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid OPTIMIZE_CONCURRENCY: %w", err)
		}
		c.OptimizeConcurrency = n
	}

	if v := getenv("OPTIMIZE_ENABLED", ""); v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid OPTIMIZE_ENABLED: %w", err)
		}
		c.OptimizeEnabled = b
	}
	return nil
}

// Validate reports the first out-of-range value.
func (c Config) Validate() error {
	if c.UploadDir == "" {
		return fmt.Errorf("upload dir must not be empty")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("max upload bytes must be greater than zero (got %d)", c.MaxUploadBytes)
	}
	if c.MaxUploadFiles <= 0 {
		return fmt.Errorf("max upload files must be greater than zero (got %d)", c.MaxUploadFiles)
	}
	if c.ThumbSize <= 0 {
		return fmt.Errorf("thumb size must be greater than zero (got %d)", c.ThumbSize)
	}
	for name, q := range map[string]int{
		"thumb quality": c.ThumbQuality,
		"jpeg quality":  c.JPEGQuality,
		"webp quality":  c.WebPQuality,
	} {
		if q < 1 || q > 100 {
			return fmt.Errorf("%s must be within 1..100 (got %d)", name, q)
		}
	}
	if c.WebPMethod < 0 || c.WebPMethod > 6 {
		return fmt.Errorf("webp method must be within 0..6 (got %d)", c.WebPMethod)
	}
	if c.OptimizeConcurrency < 0 {
		return fmt.Errorf("optimize concurrency must not be negative (got %d)", c.OptimizeConcurrency)
	}
	return nil
}

func parsePositiveInt(value string, name string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %d)", name, v)
	}
	return v, nil
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}
