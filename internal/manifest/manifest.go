package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/mrled/hedgesite/internal/deployerr"
)

// DefaultContentType is used when no type can be inferred from the extension.
const DefaultContentType = "application/octet-stream"

// FileEntry describes one regular file of the local site tree.
type FileEntry struct {
	RelativePath string // slash-separated, no leading slash
	ContentHash  string // lowercase hex SHA-256
	SizeBytes    int64
	ContentType  string
}

// Options tune Load.
type Options struct {
	// Exclude holds path.Match patterns checked against both the relative
	// path and the base name. Matching directories are skipped entirely.
	Exclude []string
}

// webTypes take precedence over the system MIME database so that the same
// tree produces the same manifest on every host.
var webTypes = map[string]string{
	".html":        "text/html; charset=utf-8",
	".htm":         "text/html; charset=utf-8",
	".css":         "text/css; charset=utf-8",
	".js":          "text/javascript; charset=utf-8",
	".mjs":         "text/javascript; charset=utf-8",
	".json":        "application/json",
	".map":         "application/json",
	".webmanifest": "application/manifest+json",
	".xml":         "application/xml",
	".txt":         "text/plain; charset=utf-8",
	".svg":         "image/svg+xml",
	".png":         "image/png",
	".jpg":         "image/jpeg",
	".jpeg":        "image/jpeg",
	".gif":         "image/gif",
	".webp":        "image/webp",
	".avif":        "image/avif",
	".ico":         "image/x-icon",
	".woff":        "font/woff",
	".woff2":       "font/woff2",
	".ttf":         "font/ttf",
	".wasm":        "application/wasm",
	".pdf":         "application/pdf",
}

// ContentType infers the MIME type of a file from its name.
func ContentType(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ext == "" {
		return DefaultContentType
	}
	if t, ok := webTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return DefaultContentType
}

// Load walks root and returns one entry per regular file, sorted by path.
// A symlinked root is resolved first; symlinks inside the tree are neither
// followed nor included.
func Load(root string, opts Options) ([]FileEntry, error) {
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, deployerr.Mark(deployerr.ErrIO, errors.Wrapf(err, "resolving site directory %s", root))
	}
	root = resolved

	info, err := os.Stat(root)
	if err != nil {
		return nil, deployerr.Mark(deployerr.ErrIO, errors.Wrapf(err, "stat site directory %s", root))
	}
	if !info.IsDir() {
		return nil, deployerr.Mark(deployerr.ErrIO, errors.Errorf("site directory is not a directory: %s", root))
	}

	var entries []FileEntry
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if excluded(rel, opts.Exclude) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		entry, err := hashFile(p)
		if err != nil {
			return err
		}
		entry.RelativePath = rel
		entry.ContentType = ContentType(rel)
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, deployerr.Mark(deployerr.ErrIO, errors.Wrapf(err, "walking %s", root))
	}

	// WalkDir order is per-directory, which differs from full-path order
	// when names contain characters below '/'.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].RelativePath < entries[j].RelativePath
	})
	return entries, nil
}

// HashBytes returns the lowercase hex SHA-256 of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashReader returns the lowercase hex SHA-256 of everything left in r and
// the number of bytes read.
func HashReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func hashFile(p string) (FileEntry, error) {
	f, err := os.Open(p)
	if err != nil {
		return FileEntry{}, err
	}
	defer f.Close()

	sum, n, err := HashReader(f)
	if err != nil {
		return FileEntry{}, errors.Wrapf(err, "hashing %s", p)
	}
	return FileEntry{ContentHash: sum, SizeBytes: n}, nil
}

func excluded(rel string, patterns []string) bool {
	base := path.Base(rel)
	for _, pat := range patterns {
		if ok, _ := path.Match(pat, rel); ok {
			return true
		}
		if ok, _ := path.Match(pat, base); ok {
			return true
		}
	}
	return false
}
