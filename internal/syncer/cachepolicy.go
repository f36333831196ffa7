package syncer

import "path"

// Cache-Control values used by the default policy.
const (
	NoCache   = "no-cache"
	Immutable = "public, max-age=31536000, immutable"
)

// CacheRule assigns a Cache-Control value to paths matching Pattern.
type CacheRule struct {
	Pattern      string `toml:"pattern"`
	CacheControl string `toml:"cache-control"`
}

// CachePolicy selects the Cache-Control header for an uploaded object.
// Rules are checked in order against the relative path and then the base
// name; the first match wins and Default applies otherwise.
type CachePolicy struct {
	Rules   []CacheRule `toml:"rules"`
	Default string      `toml:"default"`
}

// DefaultCachePolicy never caches HTML entry pages and caches everything
// else for a year.
func DefaultCachePolicy() CachePolicy {
	return CachePolicy{
		Rules: []CacheRule{
			{Pattern: "index.html", CacheControl: NoCache},
			{Pattern: "*.html", CacheControl: NoCache},
		},
		Default: Immutable,
	}
}

// For returns the Cache-Control value for rel.
func (p CachePolicy) For(rel string) string {
	base := path.Base(rel)
	for _, r := range p.Rules {
		if ok, _ := path.Match(r.Pattern, rel); ok {
			return r.CacheControl
		}
		if ok, _ := path.Match(r.Pattern, base); ok {
			return r.CacheControl
		}
	}
	return p.Default
}

// Validate reports malformed patterns.
func (p CachePolicy) Validate() error {
	for _, r := range p.Rules {
		if _, err := path.Match(r.Pattern, ""); err != nil {
			return err
		}
	}
	return nil
}
