// Package cdn reconciles CloudFront distribution settings and issues cache
// invalidations.
package cdn

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ViewerProtocolPolicy controls how viewers may reach the distribution.
type ViewerProtocolPolicy string

const (
	RedirectToHTTPS ViewerProtocolPolicy = "redirect-to-https"
	HTTPSOnly       ViewerProtocolPolicy = "https-only"
	AllowAll        ViewerProtocolPolicy = "allow-all"
)

// Valid reports whether p is a known policy.
func (p ViewerProtocolPolicy) Valid() bool {
	switch p {
	case RedirectToHTTPS, HTTPSOnly, AllowAll:
		return true
	}
	return false
}

// ErrorPage is the response served for an HTTP error status.
type ErrorPage struct {
	Path         string `toml:"path"`
	ResponseCode int    `toml:"response-code"`
}

// DistributionConfig is the subset of distribution settings hedgesite
// manages. Everything else in the live configuration is preserved.
type DistributionConfig struct {
	OriginID             string
	ErrorPages           map[int]ErrorPage // keyed by HTTP error status
	DefaultTTL           int64             // seconds
	ViewerProtocolPolicy ViewerProtocolPolicy
}

func (c DistributionConfig) clone() DistributionConfig {
	pages := make(map[int]ErrorPage, len(c.ErrorPages))
	for code, page := range c.ErrorPages {
		pages[code] = page
	}
	c.ErrorPages = pages
	return c
}

// Normalize fills defaults: an error page without a response code answers
// with the original error status.
func (c *DistributionConfig) Normalize() {
	if c.ErrorPages == nil {
		c.ErrorPages = map[int]ErrorPage{}
	}
	for code, page := range c.ErrorPages {
		if page.ResponseCode == 0 {
			page.ResponseCode = code
			c.ErrorPages[code] = page
		}
	}
}

// Validate checks a declared configuration before anything is sent.
func (c *DistributionConfig) Validate() error {
	if c.OriginID == "" {
		return errors.New("distribution origin-id is required")
	}
	if !c.ViewerProtocolPolicy.Valid() {
		return errors.Errorf("invalid viewer-protocol-policy %q (must be redirect-to-https, https-only, or allow-all)", c.ViewerProtocolPolicy)
	}
	if c.DefaultTTL < 0 {
		return errors.Errorf("default-ttl must not be negative (%d)", c.DefaultTTL)
	}
	for code, page := range c.ErrorPages {
		if code < 400 || code > 599 {
			return errors.Errorf("error page status %d is not an HTTP error status", code)
		}
		if !strings.HasPrefix(page.Path, "/") {
			return errors.Errorf("error page path for %d must start with /: %q", code, page.Path)
		}
		if page.ResponseCode != 0 && (page.ResponseCode < 200 || page.ResponseCode > 599) {
			return errors.Errorf("error page response code for %d is invalid: %d", code, page.ResponseCode)
		}
	}
	return nil
}

// Change is one field that differs between live and declared state.
type Change struct {
	Field   string
	Live    string
	Desired string
}

func (c Change) String() string {
	return fmt.Sprintf("%s: %s -> %s", c.Field, c.Live, c.Desired)
}

// Diff returns the field-level differences from live to desired, sorted by
// field. Both configs are expected to be normalized.
func Diff(live, desired DistributionConfig) []Change {
	var changes []Change
	add := func(field, l, d string) {
		if l != d {
			changes = append(changes, Change{Field: field, Live: l, Desired: d})
		}
	}

	add("origin-id", live.OriginID, desired.OriginID)
	add("viewer-protocol-policy", string(live.ViewerProtocolPolicy), string(desired.ViewerProtocolPolicy))
	add("default-ttl", fmt.Sprint(live.DefaultTTL), fmt.Sprint(desired.DefaultTTL))

	codes := map[int]bool{}
	for code := range live.ErrorPages {
		codes[code] = true
	}
	for code := range desired.ErrorPages {
		codes[code] = true
	}
	for code := range codes {
		add(fmt.Sprintf("error-pages.%d", code),
			describePage(live.ErrorPages, code),
			describePage(desired.ErrorPages, code))
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Field < changes[j].Field })
	return changes
}

func describePage(pages map[int]ErrorPage, code int) string {
	page, ok := pages[code]
	if !ok {
		return "(none)"
	}
	return fmt.Sprintf("%s (%d)", page.Path, page.ResponseCode)
}

// InvalidationStatus is the lifecycle state of an invalidation request.
type InvalidationStatus string

const (
	InvalidationPending   InvalidationStatus = "pending"
	InvalidationCompleted InvalidationStatus = "completed"
	InvalidationFailed    InvalidationStatus = "failed"
)

// InvalidationRequest is one batch of paths submitted for invalidation.
type InvalidationRequest struct {
	Paths     []string
	RequestID string
	Status    InvalidationStatus
}
