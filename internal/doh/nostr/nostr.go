// Package nostr publishes kind-1 text notes to Nostr relays, signing them
// either with a local key or through the external signer service.
package nostr

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	gonostr "github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/blacktop/doh/internal/doh"
	"github.com/blacktop/doh/internal/logutil"
	"github.com/blacktop/doh/internal/remotesigner"
)

// AppID identifies this application to the external signer.
const AppID = "com.sgtapple.doh"

const requestTimeout = 30 * time.Second

// DefaultRelays are used when no relay list is configured.
var DefaultRelays = []string{
	"wss://relay.primal.net",
	"wss://relay.damus.io",
	"wss://relay.pleb.one",
}

// Config describes a Nostr client. Only Auth is required.
type Config struct {
	Auth         Auth
	Relays       []string
	ImageHostURL string

	Signer     SignerService
	Publisher  Publisher
	HTTPClient *http.Client
	Now        func() time.Time
}

// Client implements doh.Platform for Nostr.
type Client struct {
	auth      Auth
	relays    []string
	imageHost string

	signer     SignerService
	publisher  Publisher
	httpClient *http.Client
	now        func() time.Time
}

// New constructs a Nostr client, filling unset fields with defaults.
func New(cfg Config) *Client {
	c := &Client{
		auth:       cfg.Auth,
		relays:     cfg.Relays,
		imageHost:  strings.TrimSpace(cfg.ImageHostURL),
		signer:     cfg.Signer,
		publisher:  cfg.Publisher,
		httpClient: cfg.HTTPClient,
		now:        cfg.Now,
	}
	if len(c.relays) == 0 {
		c.relays = DefaultRelays
	}
	if c.publisher == nil {
		c.publisher = NewRelayPublisher()
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: requestTimeout}
	}
	if c.now == nil {
		c.now = time.Now
	}
	if _, ok := c.auth.(RemoteSigner); ok && c.signer == nil {
		c.signer = remotesigner.New()
	}
	return c
}

// Name identifies the platform.
func (c *Client) Name() string { return doh.NameNostr }

// IsAuthenticated reports whether the local key parses or the external
// signer is reachable.
func (c *Client) IsAuthenticated(ctx context.Context) bool {
	switch a := c.auth.(type) {
	case LocalKey:
		_, err := parseSecret(a.Secret)
		return err == nil
	case RemoteSigner:
		return c.signer.Available(ctx)
	}
	return false
}

// Post signs and broadcasts a text note. Images are uploaded to the Blossom
// host when one is configured and appended to the note as URLs.
//
// With a local key the relays are connected before any upload; under the
// remote signer they are connected once the signed event is back.
func (c *Client) Post(ctx context.Context, post doh.Post) (doh.PostResult, error) {
	b, err := c.backend()
	if err != nil {
		return c.fail(doh.KindAuth, "load keys: %w", err), nil
	}

	var session Session
	defer func() {
		if session != nil {
			session.Close()
		}
	}()
	if _, local := b.(localBackend); local {
		if session, err = c.publisher.Connect(ctx, c.relays); err != nil {
			return c.fail(doh.KindTransport, "connect relays: %w", err), nil
		}
	}

	pubkey, err := b.PublicKey(ctx)
	if err != nil {
		return c.fail(doh.KindAuth, "get public key: %w", err), nil
	}
	logutil.Debugf("nostr: posting as %s", pubkey)

	content := post.Text
	if len(post.Images) > 0 {
		if c.imageHost == "" {
			logutil.Debugf("nostr: no image host configured, skipping %d images", len(post.Images))
		} else {
			for _, url := range c.uploadImages(ctx, b.blobKey(), post.Images) {
				content += "\n" + url
			}
		}
	}

	ev := gonostr.Event{
		PubKey:    pubkey,
		CreatedAt: gonostr.Timestamp(c.now().Unix()),
		Kind:      gonostr.KindTextNote,
		Tags:      gonostr.Tags{},
		Content:   content,
	}
	if err := b.Sign(ctx, &ev); err != nil {
		return c.fail(doh.KindAuth, "sign event: %w", err), nil
	}

	if session == nil {
		if session, err = c.publisher.Connect(ctx, c.relays); err != nil {
			return c.fail(doh.KindTransport, "connect relays: %w", err), nil
		}
	}

	logutil.Debugf("nostr: sending event %s to %d relays", ev.ID, len(c.relays))
	if _, err := session.Broadcast(ctx, ev); err != nil {
		return c.fail(doh.KindPost, "send event: %w", err), nil
	}

	note, err := nip19.EncodeNote(ev.ID)
	if err != nil {
		note = ev.ID
	}
	return doh.Succeeded(note), nil
}

func (c *Client) backend() (backend, error) {
	switch a := c.auth.(type) {
	case LocalKey:
		sk, err := parseSecret(a.Secret)
		if err != nil {
			return nil, err
		}
		return localBackend{sk: sk}, nil
	case RemoteSigner:
		return &remoteBackend{
			svc:       c.signer,
			appID:     AppID,
			throwaway: gonostr.GeneratePrivateKey(),
		}, nil
	}
	return nil, fmt.Errorf("unsupported auth %T", c.auth)
}

func (c *Client) fail(kind doh.Kind, format string, args ...any) doh.PostResult {
	err := doh.Errorf(doh.NameNostr, kind, format, args...)
	logutil.Debugf("nostr: %v", err)
	return doh.Failed(err)
}
