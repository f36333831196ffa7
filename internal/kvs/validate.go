package kvs

import "fmt"

// CloudFront KeyValueStore limits.
const (
	MaxKeyBytes   = 512
	MaxEntryBytes = 1024    // key + value
	MaxTotalBytes = 5242880 // 5 MB
)

// ValidationError describes a single constraint violation.
type ValidationError struct {
	Key     string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Key, e.Message)
}

// DataStats holds summary size information for a Data set.
type DataStats struct {
	NumKeys    int
	TotalBytes int
}

// Stats returns the number of keys and total byte size of the data.
func (d *Data) Stats() DataStats {
	total := 0
	for _, e := range d.Entries {
		total += len(e.Key) + len(e.Value)
	}
	return DataStats{NumKeys: len(d.Entries), TotalBytes: total}
}

// Validate checks every store constraint and returns all violations.
func (d *Data) Validate() []ValidationError {
	var errs []ValidationError
	seen := make(map[string]bool, len(d.Entries))
	totalSize := 0

	for _, e := range d.Entries {
		keySize := len(e.Key)
		entrySize := keySize + len(e.Value)

		switch {
		case keySize == 0:
			errs = append(errs, ValidationError{Key: "(empty)", Message: "key must not be empty"})
		case seen[e.Key]:
			errs = append(errs, ValidationError{Key: e.Key, Message: "duplicate key"})
		}
		seen[e.Key] = true

		if keySize > MaxKeyBytes {
			errs = append(errs, ValidationError{
				Key:     e.Key,
				Message: fmt.Sprintf("key exceeds %d bytes (%d bytes)", MaxKeyBytes, keySize),
			})
		}
		if entrySize > MaxEntryBytes {
			errs = append(errs, ValidationError{
				Key:     e.Key,
				Message: fmt.Sprintf("key+value exceeds %d bytes (%d bytes)", MaxEntryBytes, entrySize),
			})
		}

		totalSize += entrySize
	}

	if totalSize > MaxTotalBytes {
		errs = append(errs, ValidationError{
			Key:     "(total)",
			Message: fmt.Sprintf("total data exceeds %d bytes (%d bytes)", MaxTotalBytes, totalSize),
		})
	}

	return errs
}
