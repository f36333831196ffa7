package cdn

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	difflib "github.com/pmezard/go-difflib/difflib"
)

// renderedConfig is the TOML shape used when showing a configuration. It
// mirrors the [distribution] table of the config file.
type renderedConfig struct {
	OriginID             string               `toml:"origin-id"`
	ViewerProtocolPolicy string               `toml:"viewer-protocol-policy"`
	DefaultTTL           int64                `toml:"default-ttl"`
	ErrorPages           map[string]ErrorPage `toml:"error-pages"`
}

// Render formats c as a TOML [distribution] table.
func Render(c DistributionConfig) string {
	r := renderedConfig{
		OriginID:             c.OriginID,
		ViewerProtocolPolicy: string(c.ViewerProtocolPolicy),
		DefaultTTL:           c.DefaultTTL,
		ErrorPages:           map[string]ErrorPage{},
	}
	for code, page := range c.ErrorPages {
		r.ErrorPages[strconv.Itoa(code)] = page
	}

	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.Indent = ""
	doc := struct {
		Distribution renderedConfig `toml:"distribution"`
	}{r}
	if err := enc.Encode(doc); err != nil {
		// Encoding a fixed struct of strings and ints cannot fail.
		panic(err)
	}
	return buf.String()
}

// UnifiedDiff returns a unified diff from live to desired, or "" when the
// rendered forms are identical.
func UnifiedDiff(distributionID string, live, desired DistributionConfig) string {
	ud := difflib.UnifiedDiff{
		A:        difflib.SplitLines(Render(live)),
		B:        difflib.SplitLines(Render(desired)),
		FromFile: distributionID + " (live)",
		ToFile:   distributionID + " (declared)",
		Context:  3,
	}
	s, err := difflib.GetUnifiedDiffString(ud)
	if err != nil {
		return ""
	}
	return strings.TrimRight(s, "\n")
}
