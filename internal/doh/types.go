package doh

import "context"

// Post defines the content shared across all platforms. It must not be modified
// once handed to a Platform.
type Post struct {
	Text   string
	Images [][]byte
}

// PostResult is the outcome of a single platform attempt.
type PostResult struct {
	// URL is the canonical post URL or identifier, when the platform returns one.
	URL string
	// Err is non-nil when the attempt failed.
	Err error
}

// Succeeded returns a successful result.
func Succeeded(url string) PostResult { return PostResult{URL: url} }

// Failed returns a failed result carrying err.
func Failed(err error) PostResult { return PostResult{Err: err} }

// OK reports whether the post was accepted.
func (r PostResult) OK() bool { return r.Err == nil }

// Message returns the human readable failure, or "" on success.
func (r PostResult) Message() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// PostOutcome is the per-platform entry returned to callers of a dispatch.
type PostOutcome struct {
	Platform string
	Success  bool
	Detail   string
}

// Platform abstracts a social network that can publish content.
//
// Post reports protocol failures through PostResult. The error return is
// reserved for faults in local state that the caller cannot act on.
type Platform interface {
	Name() string
	IsAuthenticated(ctx context.Context) bool
	Post(ctx context.Context, post Post) (PostResult, error)
}

// Platform names as shown to users.
const (
	NameBlueSky  = "BlueSky"
	NameMastodon = "Mastodon"
	NameNostr    = "Nostr"
	NameX        = "X"
)
