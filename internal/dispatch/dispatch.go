// Package dispatch fans a single post out to the selected platforms and
// collects one outcome per requested platform, in request order.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/blacktop/doh/internal/credentials"
	"github.com/blacktop/doh/internal/doh"
	"github.com/blacktop/doh/internal/doh/bluesky"
	"github.com/blacktop/doh/internal/doh/mastodon"
	"github.com/blacktop/doh/internal/doh/nostr"
	"github.com/blacktop/doh/internal/doh/twitter"
	"github.com/blacktop/doh/internal/logutil"
)

// Outcome details.
const (
	DetailNotConfigured = "Not configured"
	DetailPosted        = "Posted successfully"
)

// Factory builds the adapter for a platform from credentials.
type Factory func(creds credentials.Credentials) doh.Platform

// Platforms lists the supported platforms in display order.
var Platforms = []string{doh.NameX, doh.NameBlueSky, doh.NameNostr, doh.NameMastodon}

// DefaultFactories builds the real adapters.
func DefaultFactories() map[string]Factory {
	return map[string]Factory{
		doh.NameX: func(c credentials.Credentials) doh.Platform {
			return twitter.New(twitter.Config{
				APIKey:       c.TwitterConsumerKey,
				APISecret:    c.TwitterConsumerSecret,
				AccessToken:  c.TwitterAccessToken,
				AccessSecret: c.TwitterAccessSecret,
			})
		},
		doh.NameBlueSky: func(c credentials.Credentials) doh.Platform {
			return bluesky.New(bluesky.Config{
				Handle:      c.BlueSkyHandle,
				AppPassword: c.BlueSkyAppPassword,
				PDSURL:      c.BlueSkyPDSURL,
			})
		},
		doh.NameNostr: func(c credentials.Credentials) doh.Platform {
			var auth nostr.Auth = nostr.LocalKey{Secret: c.NostrNsec}
			if c.NostrUsePlebSigner {
				auth = nostr.RemoteSigner{}
			}
			return nostr.New(nostr.Config{
				Auth:         auth,
				Relays:       c.NostrRelays,
				ImageHostURL: c.NostrImageHostURL,
			})
		},
		doh.NameMastodon: func(c credentials.Credentials) doh.Platform {
			return mastodon.New(mastodon.Config{
				InstanceURL: c.MastodonInstanceURL,
				AccessToken: c.MastodonAccessToken,
			})
		},
	}
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithFactory overrides the adapter constructor for one platform.
func WithFactory(name string, f Factory) Option {
	return func(d *Dispatcher) {
		d.factories[name] = f
	}
}

// Dispatcher posts to every selected platform concurrently.
type Dispatcher struct {
	creds     credentials.Credentials
	factories map[string]Factory
}

// New returns a Dispatcher over a read-only credential set.
func New(creds credentials.Credentials, opts ...Option) *Dispatcher {
	d := &Dispatcher{creds: creds, factories: DefaultFactories()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Canonical maps a user-supplied platform name to its display name.
func Canonical(name string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "x", "twitter":
		return doh.NameX, true
	case "bluesky", "bsky":
		return doh.NameBlueSky, true
	case "nostr":
		return doh.NameNostr, true
	case "mastodon":
		return doh.NameMastodon, true
	}
	return name, false
}

// Configured returns the supported platforms that have complete credentials.
func (d *Dispatcher) Configured() []string {
	var names []string
	for _, name := range Platforms {
		if d.creds.Configured(name) {
			names = append(names, name)
		}
	}
	return names
}

// Adapter builds the adapter for a canonical platform name, or returns false
// when the platform is unknown or not configured.
func (d *Dispatcher) Adapter(name string) (doh.Platform, bool) {
	f, ok := d.factories[name]
	if !ok || !d.creds.Configured(name) {
		return nil, false
	}
	return f(d.creds), true
}

// Dispatch posts text and images to each platform in platforms. The result
// has one entry per supported name, in request order; unknown names are
// skipped. A failing or panicking platform never affects the others.
func (d *Dispatcher) Dispatch(ctx context.Context, text string, images [][]byte, platforms []string) []doh.PostOutcome {
	post := doh.Post{Text: text, Images: images}
	outcomes := make([]doh.PostOutcome, len(platforms))
	n := 0

	var g errgroup.Group
	for _, requested := range platforms {
		name, ok := Canonical(requested)
		if !ok {
			logutil.Warnf("%s: unsupported platform, skipping", requested)
			continue
		}
		factory, ok := d.factories[name]
		if !ok {
			logutil.Warnf("%s: no adapter registered, skipping", name)
			continue
		}

		i := n
		n++
		if !d.creds.Configured(name) {
			logutil.Debugf("%s: skipping, credentials incomplete", name)
			outcomes[i] = doh.PostOutcome{Platform: name, Success: false, Detail: DetailNotConfigured}
			continue
		}

		g.Go(func() error {
			outcomes[i] = d.attempt(ctx, name, factory, post)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes[:n]
}

func (d *Dispatcher) attempt(ctx context.Context, name string, factory Factory, post doh.Post) (out doh.PostOutcome) {
	out.Platform = name
	defer func() {
		if r := recover(); r != nil {
			logutil.Errorf("%s: panic while posting: %v\n%s", name, r, debug.Stack())
			out = doh.PostOutcome{Platform: name, Success: false, Detail: fmt.Sprintf("Error: %v", r)}
		}
	}()

	logutil.Debugf("%s: posting", name)
	res, err := factory(d.creds).Post(ctx, post)
	switch {
	case err != nil:
		logutil.Warnf("%s: %v", name, err)
		out.Detail = "Error: " + err.Error()
	case res.OK():
		out.Success = true
		out.Detail = res.URL
		if out.Detail == "" {
			out.Detail = DetailPosted
		}
		logutil.Debugf("%s: posted %s", name, out.Detail)
	default:
		logutil.Debugf("%s: failed: %s", name, res.Message())
		out.Detail = res.Message()
	}
	return out
}

// Summary counts successful outcomes.
func Summary(outcomes []doh.PostOutcome) (succeeded, total int) {
	for _, o := range outcomes {
		if o.Success {
			succeeded++
		}
	}
	return succeeded, len(outcomes)
}
