// Package plan computes the object operations that bring a remote site in
// line with the local manifest.
package plan

import (
	"sort"

	"github.com/mrled/hedgesite/internal/manifest"
	"github.com/mrled/hedgesite/internal/store"
)

// SyncPlan describes what operations are needed to bring the remote store to
// the local state. A path never appears in both lists.
type SyncPlan struct {
	ToUpload []manifest.FileEntry // sorted by RelativePath
	ToDelete []string             // prefix-relative keys, sorted
}

// Empty reports whether the plan has no operations.
func (p *SyncPlan) Empty() bool {
	return len(p.ToUpload) == 0 && len(p.ToDelete) == 0
}

// ChangedPaths returns the sorted union of uploaded and deleted paths.
func (p *SyncPlan) ChangedPaths() []string {
	paths := make([]string, 0, len(p.ToUpload)+len(p.ToDelete))
	for _, e := range p.ToUpload {
		paths = append(paths, e.RelativePath)
	}
	paths = append(paths, p.ToDelete...)
	sort.Strings(paths)
	return paths
}

// UploadBytes sums the size of every upload.
func (p *SyncPlan) UploadBytes() int64 {
	var total int64
	for _, e := range p.ToUpload {
		total += e.SizeBytes
	}
	return total
}

// Compute compares the local manifest against remote state. Content hashes
// are authoritative; sizes and modification times are ignored. The result
// depends only on the set of inputs, not their order.
func Compute(local []manifest.FileEntry, remote []store.RemoteObject) *SyncPlan {
	p := &SyncPlan{}

	remoteMap := make(map[string]string, len(remote))
	for _, o := range remote {
		remoteMap[o.Key] = o.ETagOrHash
	}
	localMap := make(map[string]bool, len(local))
	for _, e := range local {
		localMap[e.RelativePath] = true
	}

	// Uploads: paths that are new or whose content changed
	for _, e := range local {
		existing, ok := remoteMap[e.RelativePath]
		if !ok || existing != e.ContentHash {
			p.ToUpload = append(p.ToUpload, e)
		}
	}

	// Deletes: remote keys with no local file
	for key := range remoteMap {
		if !localMap[key] {
			p.ToDelete = append(p.ToDelete, key)
		}
	}

	sort.Slice(p.ToUpload, func(i, j int) bool {
		return p.ToUpload[i].RelativePath < p.ToUpload[j].RelativePath
	})
	sort.Strings(p.ToDelete)
	return p
}
