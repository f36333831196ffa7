// Package redirects builds the edge redirect table for a site: directory
// redirects derived from the manifest and explicit redirects read from a
// redirects file in the site root.
package redirects

import (
	"bufio"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/mrled/hedgesite/internal/deployerr"
	"github.com/mrled/hedgesite/internal/kvs"
	"github.com/mrled/hedgesite/internal/manifest"
)

// DefaultFile is the name of the redirects file looked up in the site root.
const DefaultFile = "_redirects"

// ParseFile reads name from root and returns its redirect entries.
// Lines are whitespace-separated: source destination [status].
// Empty lines and lines starting with # are ignored, malformed lines are
// logged and skipped. A missing file yields no entries.
func ParseFile(root, name string, logger *slog.Logger) ([]kvs.Entry, error) {
	p := filepath.Join(root, name)

	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, deployerr.Mark(deployerr.ErrIO, errors.Wrapf(err, "opening %s", p))
	}
	defer f.Close()

	var entries []kvs.Entry
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) < 2 || !strings.HasPrefix(parts[0], "/") {
			logger.Warn("skipping invalid redirect", "file", name, "line", lineNum, "text", line)
			continue
		}

		entries = append(entries, kvs.Entry{Key: parts[0], Value: parts[1]})
	}
	if err := scanner.Err(); err != nil {
		return nil, deployerr.Mark(deployerr.ErrIO, errors.Wrapf(err, "reading %s", p))
	}

	return entries, nil
}

// DirectoryRedirects returns a /dir -> /dir/ entry for every directory
// that holds an indexDocument in the manifest.
func DirectoryRedirects(files []manifest.FileEntry, indexDocument string) []kvs.Entry {
	var entries []kvs.Entry
	for _, f := range files {
		dir, base := path.Split(f.RelativePath)
		if base != indexDocument || dir == "" {
			continue
		}
		urlPath := "/" + strings.TrimSuffix(dir, "/")
		entries = append(entries, kvs.Entry{Key: urlPath, Value: urlPath + "/"})
	}
	sortEntries(entries)
	return entries
}

// Merge combines directory redirects with file redirects. File redirects
// take precedence. The result is sorted by key.
func Merge(dirEntries, fileEntries []kvs.Entry) []kvs.Entry {
	merged := make(map[string]string, len(dirEntries)+len(fileEntries))
	for _, e := range dirEntries {
		merged[e.Key] = e.Value
	}
	for _, e := range fileEntries {
		merged[e.Key] = e.Value
	}

	entries := make([]kvs.Entry, 0, len(merged))
	for k, v := range merged {
		entries = append(entries, kvs.Entry{Key: k, Value: v})
	}
	sortEntries(entries)
	return entries
}

// ResolveChains follows redirect chains to their final destination, so
// /a -> /b and /b -> /c becomes /a -> /c. A cycle is an error.
func ResolveChains(entries []kvs.Entry) ([]kvs.Entry, error) {
	redirectMap := make(map[string]string, len(entries))
	for _, e := range entries {
		redirectMap[e.Key] = e.Value
	}

	resolved := make([]kvs.Entry, 0, len(entries))
	for _, e := range entries {
		dest := e.Value
		visited := map[string]bool{e.Key: true}
		for {
			next, ok := redirectMap[dest]
			if !ok {
				break
			}
			if visited[dest] {
				return nil, errors.Errorf("redirect cycle detected: %s -> %s -> ... -> %s", e.Key, e.Value, dest)
			}
			visited[dest] = true
			dest = next
		}
		resolved = append(resolved, kvs.Entry{Key: e.Key, Value: dest})
	}

	return resolved, nil
}

// Build assembles the full redirect table for a site root and its manifest.
// Directory redirects are included when indexDocument is non-empty.
func Build(root, file, indexDocument string, files []manifest.FileEntry, logger *slog.Logger) (*kvs.Data, error) {
	if file == "" {
		file = DefaultFile
	}
	fileEntries, err := ParseFile(root, file, logger)
	if err != nil {
		return nil, err
	}

	var dirEntries []kvs.Entry
	if indexDocument != "" {
		dirEntries = DirectoryRedirects(files, indexDocument)
	}

	resolved, err := ResolveChains(Merge(dirEntries, fileEntries))
	if err != nil {
		return nil, err
	}
	return &kvs.Data{Entries: resolved}, nil
}

func sortEntries(entries []kvs.Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
}
