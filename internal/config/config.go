// Package config loads the hedgesite TOML configuration file.
package config

import (
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/mrled/hedgesite/internal/cdn"
	"github.com/mrled/hedgesite/internal/redirects"
	"github.com/mrled/hedgesite/internal/retry"
	"github.com/mrled/hedgesite/internal/syncer"
)

// DefaultPath is the config file read when --config is not given.
const DefaultPath = "hedgesite.toml"

// DefaultRequestsPerSecond caps provider calls across all workers.
const DefaultRequestsPerSecond = 50

// DefaultExclude lists files that never belong in the bucket.
var DefaultExclude = []string{redirects.DefaultFile, ".DS_Store", ".git"}

type Config struct {
	Region            string   `toml:"region"`
	Prefix            string   `toml:"prefix"`
	DistributionID    string   `toml:"distribution-id"`
	Concurrency       int      `toml:"concurrency"`
	RequestsPerSecond float64  `toml:"requests-per-second"`
	Exclude           []string `toml:"exclude"`

	Retry        RetryConfig        `toml:"retry"`
	CacheControl syncer.CachePolicy `toml:"cache-control"`
	Invalidation InvalidationConfig `toml:"invalidation"`
	Reconcile    ReconcileConfig    `toml:"reconcile"`
	Redirects    RedirectsConfig    `toml:"redirects"`
	Distribution DistributionConfig `toml:"distribution"`
}

type RetryConfig struct {
	Attempts  int           `toml:"attempts"`
	BaseDelay time.Duration `toml:"base-delay"`
	MaxDelay  time.Duration `toml:"max-delay"`
}

type InvalidationConfig struct {
	BatchSize     int           `toml:"batch-size"`
	Timeout       time.Duration `toml:"timeout"`
	PollInterval  time.Duration `toml:"poll-interval"`
	IndexDocument string        `toml:"index-document"`
}

type ReconcileConfig struct {
	Timeout      time.Duration `toml:"timeout"`
	PollInterval time.Duration `toml:"poll-interval"`
}

type RedirectsConfig struct {
	KVSName     string `toml:"kvs-name"`
	File        string `toml:"file"`
	Directories bool   `toml:"directories"`
}

// DistributionConfig is the declared distribution state as written in TOML.
// Error pages are keyed by status code:
//
//	[distribution.error-pages.404]
//	path = "/404.html"
type DistributionConfig struct {
	OriginID             string                   `toml:"origin-id"`
	ErrorPages           map[string]cdn.ErrorPage `toml:"error-pages"`
	DefaultTTL           int64                    `toml:"default-ttl"`
	ViewerProtocolPolicy string                   `toml:"viewer-protocol-policy"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(toml.MetaData{})
	return cfg
}

// Load reads the config file at path. When required is false a missing file
// yields the defaults. Keys hedgesite does not know are logged as warnings.
func Load(path string, required bool, logger *slog.Logger) (*Config, error) {
	cfg := &Config{}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			logger.Debug("no config file, using defaults", "path", path)
			return Default(), nil
		}
		return nil, errors.Wrapf(err, "reading config file %s", path)
	}
	for _, key := range md.Undecoded() {
		logger.Warn("unknown config key", "path", path, "key", key.String())
	}

	cfg.applyDefaults(md)
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config file %s", path)
	}
	return cfg, nil
}

// applyDefaults fills zero values. md tells apart keys that were set
// explicitly, so that `directories = false` is honoured.
func (c *Config) applyDefaults(md toml.MetaData) {
	if c.Concurrency == 0 {
		c.Concurrency = syncer.DefaultConcurrency
	}
	if c.RequestsPerSecond == 0 {
		c.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if !md.IsDefined("exclude") {
		c.Exclude = append([]string{}, DefaultExclude...)
	}

	def := retry.DefaultPolicy()
	if c.Retry.Attempts == 0 {
		c.Retry.Attempts = def.Attempts
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = def.BaseDelay
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = def.MaxDelay
	}

	if !md.IsDefined("cache-control", "rules") && c.CacheControl.Rules == nil {
		c.CacheControl.Rules = syncer.DefaultCachePolicy().Rules
	}
	if c.CacheControl.Default == "" {
		c.CacheControl.Default = syncer.DefaultCachePolicy().Default
	}

	if c.Invalidation.BatchSize == 0 {
		c.Invalidation.BatchSize = cdn.DefaultBatchLimit
	}
	if c.Invalidation.Timeout == 0 {
		c.Invalidation.Timeout = cdn.DefaultInvalidationTimeout
	}
	if c.Invalidation.PollInterval == 0 {
		c.Invalidation.PollInterval = cdn.DefaultInvalidationInterval
	}
	if !md.IsDefined("invalidation", "index-document") {
		c.Invalidation.IndexDocument = "index.html"
	}

	if c.Reconcile.Timeout == 0 {
		c.Reconcile.Timeout = cdn.DefaultReconcileTimeout
	}
	if c.Reconcile.PollInterval == 0 {
		c.Reconcile.PollInterval = cdn.DefaultReconcileInterval
	}

	if c.Redirects.File == "" {
		c.Redirects.File = redirects.DefaultFile
	}
	if !md.IsDefined("redirects", "directories") {
		c.Redirects.Directories = true
	}
	// The redirect source is published through the key value store, never
	// as an object, whatever the exclude list says.
	if c.Redirects.KVSName != "" && !slices.Contains(c.Exclude, c.Redirects.File) {
		c.Exclude = append(c.Exclude, c.Redirects.File)
	}

	if c.Distribution.ViewerProtocolPolicy == "" {
		c.Distribution.ViewerProtocolPolicy = string(cdn.RedirectToHTTPS)
	}
}

// Validate checks settings that do not depend on the command being run.
func (c *Config) Validate() error {
	if c.Concurrency < 0 {
		return errors.Errorf("concurrency must be positive (%d)", c.Concurrency)
	}
	if c.RequestsPerSecond < 0 {
		return errors.Errorf("requests-per-second must be positive (%g)", c.RequestsPerSecond)
	}
	if c.Retry.Attempts < 1 {
		return errors.Errorf("retry.attempts must be at least 1 (%d)", c.Retry.Attempts)
	}
	if c.Invalidation.BatchSize < 1 || c.Invalidation.BatchSize > cdn.DefaultBatchLimit {
		return errors.Errorf("invalidation.batch-size must be between 1 and %d (%d)", cdn.DefaultBatchLimit, c.Invalidation.BatchSize)
	}
	if strings.Contains(c.Invalidation.IndexDocument, "/") {
		return errors.Errorf("invalidation.index-document must be a file name: %q", c.Invalidation.IndexDocument)
	}
	if err := c.CacheControl.Validate(); err != nil {
		return errors.Wrap(err, "cache-control rules")
	}
	return nil
}

// RetryPolicy builds the retry policy for provider calls.
func (c *Config) RetryPolicy(logger *slog.Logger) retry.Policy {
	return retry.Policy{
		Attempts:  c.Retry.Attempts,
		BaseDelay: c.Retry.BaseDelay,
		MaxDelay:  c.Retry.MaxDelay,
		Logger:    logger,
	}
}

// DeclaredDistribution converts the [distribution] table into a validated,
// normalized cdn.DistributionConfig.
func (c *Config) DeclaredDistribution() (cdn.DistributionConfig, error) {
	d := cdn.DistributionConfig{
		OriginID:             c.Distribution.OriginID,
		ErrorPages:           make(map[int]cdn.ErrorPage, len(c.Distribution.ErrorPages)),
		DefaultTTL:           c.Distribution.DefaultTTL,
		ViewerProtocolPolicy: cdn.ViewerProtocolPolicy(c.Distribution.ViewerProtocolPolicy),
	}
	for key, page := range c.Distribution.ErrorPages {
		code, err := strconv.Atoi(key)
		if err != nil {
			return d, errors.Errorf("distribution.error-pages key %q is not a status code", key)
		}
		d.ErrorPages[code] = page
	}
	d.Normalize()
	if err := d.Validate(); err != nil {
		return d, err
	}
	return d, nil
}

// LoadDistribution reads the declared distribution state from a config
// file, which must exist.
func LoadDistribution(path string, logger *slog.Logger) (cdn.DistributionConfig, error) {
	cfg, err := Load(path, true, logger)
	if err != nil {
		return cdn.DistributionConfig{}, err
	}
	d, err := cfg.DeclaredDistribution()
	return d, errors.Wrapf(err, "declared distribution in %s", path)
}
