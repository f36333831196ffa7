// Package deployerr defines the error kinds surfaced by hedgesite and the
// helpers that map provider SDK errors onto them.
package deployerr

import (
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/aws/smithy-go"
	"github.com/pkg/errors"
)

// Error kinds. Match with errors.Is.
var (
	ErrIO                  = errors.New("local filesystem error")
	ErrRemoteUnavailable   = errors.New("remote unavailable")
	ErrAuth                = errors.New("credentials rejected")
	ErrReconcileTimeout    = errors.New("distribution deployment timed out")
	ErrReconcileFailed     = errors.New("distribution update failed")
	ErrInvalidationTimeout = errors.New("invalidation timed out")
)

// authErrorCodes are provider error codes that mean the credentials were
// rejected rather than the request being malformed.
var authErrorCodes = map[string]bool{
	"AccessDenied":                true,
	"AccessDeniedException":       true,
	"InvalidAccessKeyId":          true,
	"InvalidClientTokenId":        true,
	"SignatureDoesNotMatch":       true,
	"ExpiredToken":                true,
	"ExpiredTokenException":       true,
	"UnrecognizedClientException": true,
}

// kindError attaches one or more kinds to an underlying error. Both the kinds
// and the cause are reachable through errors.Is and errors.As.
type kindError struct {
	kinds []error
	err   error
}

func (e *kindError) Error() string {
	return fmt.Sprintf("%s: %v", e.kinds[0], e.err)
}

func (e *kindError) Unwrap() []error {
	return append(append([]error{}, e.kinds...), e.err)
}

// Mark tags err with kind. A nil err stays nil.
func Mark(kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kinds: []error{kind}, err: err}
}

// Unavailable marks err as ErrRemoteUnavailable. Errors marked this way are
// considered transient by IsTransient.
func Unavailable(err error) error {
	return Mark(ErrRemoteUnavailable, err)
}

// IsAuth reports whether err is a credential rejection, either already
// classified or as a raw provider API error.
func IsAuth(err error) bool {
	if errors.Is(err, ErrAuth) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return authErrorCodes[apiErr.ErrorCode()]
	}
	return false
}

// IsTransient reports whether err is worth retrying: provider 5xx responses
// (smithyhttp.ResponseError and the SDK's awshttp wrapper both expose the status),
// network timeouts, and errors explicitly marked unavailable. Credential
// rejections are never transient.
func IsTransient(err error) bool {
	if err == nil || IsAuth(err) {
		return false
	}
	if errors.Is(err, ErrRemoteUnavailable) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() >= 500 {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// Classify tags a provider error with its kind. Auth failures match both
// ErrAuth and ErrRemoteUnavailable; transient failures match
// ErrRemoteUnavailable. Anything else, including errors that already carry
// a kind, is returned unchanged.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrAuth), errors.Is(err, ErrRemoteUnavailable):
		return err
	case IsAuth(err):
		return &kindError{kinds: []error{ErrAuth, ErrRemoteUnavailable}, err: err}
	case IsTransient(err):
		return Unavailable(err)
	default:
		return err
	}
}

// ObjectFailure records one failed object operation.
type ObjectFailure struct {
	Path string
	Op   string // "upload" or "delete"
	Err  error
}

func (f ObjectFailure) String() string {
	return fmt.Sprintf("%s %s: %v", f.Op, f.Path, f.Err)
}

// PartialSyncFailure aggregates every object operation that failed during a
// sync. The remaining operations of the plan were still attempted.
type PartialSyncFailure struct {
	Failures  []ObjectFailure
	Attempted int
}

func (e *PartialSyncFailure) Error() string {
	lines := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		lines = append(lines, f.String())
	}
	return fmt.Sprintf("%d of %d object operations failed: %s",
		len(e.Failures), e.Attempted, strings.Join(lines, "; "))
}

// Paths returns the sorted set of failed paths, suitable for retrying just
// that subset.
func (e *PartialSyncFailure) Paths() []string {
	seen := make(map[string]bool, len(e.Failures))
	paths := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		if !seen[f.Path] {
			seen[f.Path] = true
			paths = append(paths, f.Path)
		}
	}
	sort.Strings(paths)
	return paths
}

// Sort orders failures by path, then operation.
func (e *PartialSyncFailure) Sort() {
	sort.Slice(e.Failures, func(i, j int) bool {
		if e.Failures[i].Path != e.Failures[j].Path {
			return e.Failures[i].Path < e.Failures[j].Path
		}
		return e.Failures[i].Op < e.Failures[j].Op
	})
}

// Multi holds independent failures of a single run, such as a partial sync
// followed by a failed invalidation. Every element stays reachable through
// errors.Is and errors.As.
type Multi []error

func (m Multi) Error() string {
	msgs := make([]string, 0, len(m))
	for _, err := range m {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

func (m Multi) Unwrap() []error {
	return m
}

// Join returns err when first is nil, and a Multi of both otherwise.
func Join(first, err error) error {
	switch {
	case first == nil:
		return err
	case err == nil:
		return first
	}
	return Multi{first, err}
}
