// Package credentials holds the per-platform secrets a dispatch reads.
//
// The field names match the JSON record the desktop applet keeps in the
// system keyring, so an exported keyring entry can be used as a file as-is.
package credentials

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/blacktop/doh/internal/doh"
)

// Credentials is the complete set of platform secrets.
type Credentials struct {
	// X/Twitter OAuth 1.0a
	TwitterConsumerKey    string `json:"twitter_consumer_key,omitempty" toml:"twitter_consumer_key" yaml:"twitter_consumer_key,omitempty"`
	TwitterConsumerSecret string `json:"twitter_consumer_secret,omitempty" toml:"twitter_consumer_secret" yaml:"twitter_consumer_secret,omitempty"`
	TwitterAccessToken    string `json:"twitter_access_token,omitempty" toml:"twitter_access_token" yaml:"twitter_access_token,omitempty"`
	TwitterAccessSecret   string `json:"twitter_access_secret,omitempty" toml:"twitter_access_secret" yaml:"twitter_access_secret,omitempty"`

	// BlueSky
	BlueSkyHandle      string `json:"bluesky_handle,omitempty" toml:"bluesky_handle" yaml:"bluesky_handle,omitempty"`
	BlueSkyAppPassword string `json:"bluesky_app_password,omitempty" toml:"bluesky_app_password" yaml:"bluesky_app_password,omitempty"`
	BlueSkyPDSURL      string `json:"bluesky_pds_url,omitempty" toml:"bluesky_pds_url" yaml:"bluesky_pds_url,omitempty"`

	// Nostr
	NostrNsec          string   `json:"nostr_nsec,omitempty" toml:"nostr_nsec" yaml:"nostr_nsec,omitempty"`
	NostrUsePlebSigner bool     `json:"nostr_use_pleb_signer" toml:"nostr_use_pleb_signer" yaml:"nostr_use_pleb_signer"`
	NostrImageHostURL  string   `json:"nostr_image_host_url,omitempty" toml:"nostr_image_host_url" yaml:"nostr_image_host_url,omitempty"`
	NostrRelays        []string `json:"nostr_relays,omitempty" toml:"nostr_relays" yaml:"nostr_relays,omitempty"`

	// Mastodon
	MastodonInstanceURL string `json:"mastodon_instance_url,omitempty" toml:"mastodon_instance_url" yaml:"mastodon_instance_url,omitempty"`
	MastodonAccessToken string `json:"mastodon_access_token,omitempty" toml:"mastodon_access_token" yaml:"mastodon_access_token,omitempty"`
}

// Environment variables that override file values.
const (
	EnvTwitterConsumerKey    = "DOH_TWITTER_CONSUMER_KEY"
	EnvTwitterConsumerSecret = "DOH_TWITTER_CONSUMER_SECRET"
	EnvTwitterAccessToken    = "DOH_TWITTER_ACCESS_TOKEN"
	EnvTwitterAccessSecret   = "DOH_TWITTER_ACCESS_TOKEN_SECRET"
	EnvBlueSkyHandle         = "DOH_BLUESKY_HANDLE"
	EnvBlueSkyAppPassword    = "DOH_BLUESKY_APP_PASSWORD"
	EnvBlueSkyPDSURL         = "DOH_BLUESKY_PDS_URL"
	EnvNostrNsec             = "DOH_NOSTR_NSEC"
	EnvNostrUsePlebSigner    = "DOH_NOSTR_USE_PLEB_SIGNER"
	EnvNostrImageHostURL     = "DOH_NOSTR_IMAGE_HOST_URL"
	EnvNostrRelays           = "DOH_NOSTR_RELAYS"
	EnvMastodonInstanceURL   = "DOH_MASTODON_INSTANCE_URL"
	EnvMastodonAccessToken   = "DOH_MASTODON_ACCESS_TOKEN"
)

// Load reads credentials from path. The format follows the extension
// (.toml, .yaml/.yml, anything else is JSON). An empty path yields empty
// credentials.
func Load(path string) (Credentials, error) {
	var creds Credentials
	if path == "" {
		return creds, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return creds, fmt.Errorf("read credentials: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &creds)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &creds)
	default:
		err = json.Unmarshal(data, &creds)
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("parse credentials %s: %w", filepath.Base(path), err)
	}

	creds.normalize()
	return creds, nil
}

// ApplyEnv overrides fields with any DOH_* environment variables that are set.
func (c *Credentials) ApplyEnv() {
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}

	override(&c.TwitterConsumerKey, EnvTwitterConsumerKey)
	override(&c.TwitterConsumerSecret, EnvTwitterConsumerSecret)
	override(&c.TwitterAccessToken, EnvTwitterAccessToken)
	override(&c.TwitterAccessSecret, EnvTwitterAccessSecret)
	override(&c.BlueSkyHandle, EnvBlueSkyHandle)
	override(&c.BlueSkyAppPassword, EnvBlueSkyAppPassword)
	override(&c.BlueSkyPDSURL, EnvBlueSkyPDSURL)
	override(&c.NostrNsec, EnvNostrNsec)
	override(&c.NostrImageHostURL, EnvNostrImageHostURL)
	override(&c.MastodonInstanceURL, EnvMastodonInstanceURL)
	override(&c.MastodonAccessToken, EnvMastodonAccessToken)

	if v := strings.TrimSpace(os.Getenv(EnvNostrUsePlebSigner)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.NostrUsePlebSigner = b
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvNostrRelays)); v != "" {
		c.NostrRelays = splitList(v)
	}

	c.normalize()
}

// HasTwitter reports whether all four OAuth 1.0a values are present.
func (c Credentials) HasTwitter() bool { return len(c.Missing(doh.NameX)) == 0 }

// HasBlueSky reports whether a handle and app password are present.
func (c Credentials) HasBlueSky() bool { return len(c.Missing(doh.NameBlueSky)) == 0 }

// HasNostr reports whether a key or the remote signer is configured.
func (c Credentials) HasNostr() bool { return len(c.Missing(doh.NameNostr)) == 0 }

// HasMastodon reports whether an instance and token are present.
func (c Credentials) HasMastodon() bool { return len(c.Missing(doh.NameMastodon)) == 0 }

// Configured reports whether platform has every required field.
func (c Credentials) Configured(platform string) bool {
	switch platform {
	case doh.NameX, doh.NameBlueSky, doh.NameNostr, doh.NameMastodon:
		return len(c.Missing(platform)) == 0
	}
	return false
}

// Missing lists the required fields that are unset for platform.
func (c Credentials) Missing(platform string) []string {
	var missing []string
	need := func(value, field string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, field)
		}
	}

	switch platform {
	case doh.NameX:
		need(c.TwitterConsumerKey, "twitter_consumer_key")
		need(c.TwitterConsumerSecret, "twitter_consumer_secret")
		need(c.TwitterAccessToken, "twitter_access_token")
		need(c.TwitterAccessSecret, "twitter_access_secret")
	case doh.NameBlueSky:
		need(c.BlueSkyHandle, "bluesky_handle")
		need(c.BlueSkyAppPassword, "bluesky_app_password")
	case doh.NameNostr:
		if !c.NostrUsePlebSigner {
			need(c.NostrNsec, "nostr_nsec")
		}
	case doh.NameMastodon:
		need(c.MastodonInstanceURL, "mastodon_instance_url")
		need(c.MastodonAccessToken, "mastodon_access_token")
	}
	return missing
}

// NotConfigured returns the error describing what platform lacks, or nil.
func (c Credentials) NotConfigured(platform string) error {
	missing := c.Missing(platform)
	if len(missing) == 0 {
		return nil
	}
	return doh.NotConfiguredError{Platform: platform, Fields: missing}
}

func (c *Credentials) normalize() {
	for _, s := range []*string{
		&c.TwitterConsumerKey, &c.TwitterConsumerSecret, &c.TwitterAccessToken, &c.TwitterAccessSecret,
		&c.BlueSkyHandle, &c.BlueSkyAppPassword, &c.BlueSkyPDSURL,
		&c.NostrNsec, &c.NostrImageHostURL,
		&c.MastodonInstanceURL, &c.MastodonAccessToken,
	} {
		*s = strings.TrimSpace(*s)
	}

	var relays []string
	for _, r := range c.NostrRelays {
		if r = strings.TrimSpace(r); r != "" {
			relays = append(relays, r)
		}
	}
	c.NostrRelays = relays
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
