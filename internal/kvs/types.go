package kvs

// Entry is a single key-value pair destined for a CloudFront KeyValueStore.
type Entry struct {
	Key   string
	Value string
}

// Data holds all entries for a single store.
type Data struct {
	Entries []Entry
}

// SyncPlan describes the key operations that bring a store to the desired
// state.
type SyncPlan struct {
	Puts    []Entry  // keys to add or update, sorted by key
	Deletes []string // keys to remove, sorted
}

// Empty reports whether the plan has no operations.
func (p *SyncPlan) Empty() bool {
	return len(p.Puts) == 0 && len(p.Deletes) == 0
}
