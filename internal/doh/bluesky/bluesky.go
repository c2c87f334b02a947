package bluesky

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/bluesky-social/indigo/lex/util"
	"github.com/bluesky-social/indigo/xrpc"

	"github.com/blacktop/doh/internal/doh"
	"github.com/blacktop/doh/internal/imageutil"
	"github.com/blacktop/doh/internal/logutil"
)

const (
	// DefaultPDSURL is the PDS used when none is configured.
	DefaultPDSURL = "https://bsky.social"

	postCollection = "app.bsky.feed.post"
	requestTimeout = 30 * time.Second
	userAgent      = "doh/1"

	maxImages         = 4
	maxImageBytes     = 1_000_000
	maxImageDimension = 2000
)

// Config holds the account used for posting.
type Config struct {
	Handle      string
	AppPassword string
	PDSURL      string
	HTTPClient  *http.Client
}

// Client implements doh.Platform for Bluesky. A fresh session is created
// for every Post.
type Client struct {
	handle      string
	appPassword string
	host        string
	httpClient  *http.Client
}

// New constructs a Bluesky client.
func New(cfg Config) *Client {
	c := &Client{
		handle:      strings.TrimSpace(cfg.Handle),
		appPassword: strings.TrimSpace(cfg.AppPassword),
		host:        strings.TrimRight(strings.TrimSpace(cfg.PDSURL), "/"),
		httpClient:  cfg.HTTPClient,
	}
	if c.host == "" {
		c.host = DefaultPDSURL
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: requestTimeout}
	}
	return c
}

// Name identifies the platform.
func (c *Client) Name() string { return doh.NameBlueSky }

// IsAuthenticated reports whether a handle and app password are present.
func (c *Client) IsAuthenticated(context.Context) bool {
	return c.handle != "" && c.appPassword != ""
}

// Post logs in, uploads up to four images and creates a feed post record.
func (c *Client) Post(ctx context.Context, post doh.Post) (doh.PostResult, error) {
	ua := userAgent
	client := &xrpc.Client{
		Client:    c.httpClient,
		Host:      c.host,
		UserAgent: &ua,
	}

	session, err := atproto.ServerCreateSession(ctx, client, &atproto.ServerCreateSession_Input{
		Identifier: c.handle,
		Password:   c.appPassword,
	})
	if err != nil {
		return c.fail(doh.KindAuth, "login: %w", err), nil
	}
	client.Auth = &xrpc.AuthInfo{
		AccessJwt:  session.AccessJwt,
		RefreshJwt: session.RefreshJwt,
		Handle:     session.Handle,
		Did:        session.Did,
	}

	images := post.Images
	if len(images) > maxImages {
		logutil.Debugf("bluesky: dropping %d images over the limit of %d", len(images)-maxImages, maxImages)
		images = images[:maxImages]
	}

	var embeds []*bsky.EmbedImages_Image
	for i, img := range images {
		logutil.Debugf("bluesky: processing image %d (%d bytes)", i+1, len(img))
		data, err := imageutil.Transcode(img, imageutil.Budget{MaxBytes: maxImageBytes, MaxDimension: maxImageDimension})
		if err != nil {
			return c.fail(doh.KindTranscode, "process image %d: %w", i+1, err), nil
		}

		blob, err := uploadBlob(ctx, client, data)
		if err != nil {
			return c.fail(doh.KindUpload, "upload image %d: %w", i+1, err), nil
		}
		logutil.Debugf("bluesky: image %d uploaded (%d bytes)", i+1, len(data))
		embeds = append(embeds, &bsky.EmbedImages_Image{Alt: "", Image: blob})
	}

	record := &bsky.FeedPost{
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Text:      post.Text,
	}
	if len(embeds) > 0 {
		record.Embed = &bsky.FeedPost_Embed{
			EmbedImages: &bsky.EmbedImages{Images: embeds},
		}
	}

	out, err := atproto.RepoCreateRecord(ctx, client, &atproto.RepoCreateRecord_Input{
		Collection: postCollection,
		Repo:       session.Did,
		Record:     &util.LexiconTypeDecoder{Val: record},
	})
	if err != nil {
		return c.fail(doh.KindPost, "create record: %w", err), nil
	}

	return doh.Succeeded(postURL(session.Handle, out.Uri)), nil
}

// uploadBlob sends data with its detected MIME type. The generated
// RepoUploadBlob helper always sends */*.
func uploadBlob(ctx context.Context, client *xrpc.Client, data []byte) (*util.LexBlob, error) {
	var out atproto.RepoUploadBlob_Output
	mime := imageutil.MIMEType(data)
	if err := client.Do(ctx, xrpc.Procedure, mime, "com.atproto.repo.uploadBlob", nil, bytes.NewReader(data), &out); err != nil {
		return nil, err
	}
	if out.Blob == nil {
		return nil, fmt.Errorf("empty response")
	}
	return out.Blob, nil
}

// postURL maps an at:// record URI to its bsky.app web URL. The URI is
// returned unchanged when it cannot be parsed.
func postURL(handle, uri string) string {
	aturi, err := syntax.ParseATURI(uri)
	if err != nil {
		return uri
	}
	rkey := aturi.RecordKey().String()
	if rkey == "" {
		return uri
	}
	return fmt.Sprintf("https://bsky.app/profile/%s/post/%s", handle, rkey)
}

func (c *Client) fail(kind doh.Kind, format string, args ...any) doh.PostResult {
	err := doh.Errorf(doh.NameBlueSky, kind, format, args...)
	logutil.Debugf("bluesky: %v", err)
	return doh.Failed(err)
}
