package mastodon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	mastodonapi "github.com/mattn/go-mastodon"

	"github.com/blacktop/doh/internal/doh"
	"github.com/blacktop/doh/internal/imageutil"
	"github.com/blacktop/doh/internal/logutil"
)

const requestTimeout = 30 * time.Second

// Config contains the settings needed to reach a Mastodon server.
type Config struct {
	InstanceURL string
	AccessToken string
	HTTPClient  *http.Client
}

// Client implements doh.Platform for Mastodon.
type Client struct {
	server      string
	accessToken string
	httpClient  *http.Client
}

// New constructs a Mastodon client.
func New(cfg Config) *Client {
	c := &Client{
		server:      strings.TrimRight(strings.TrimSpace(cfg.InstanceURL), "/"),
		accessToken: strings.TrimSpace(cfg.AccessToken),
		httpClient:  cfg.HTTPClient,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: requestTimeout}
	}
	return c
}

// Name identifies the platform.
func (c *Client) Name() string { return doh.NameMastodon }

// IsAuthenticated reports whether an instance and token are present.
func (c *Client) IsAuthenticated(context.Context) bool {
	return c.server != "" && c.accessToken != ""
}

type statusPayload struct {
	Status   string           `json:"status"`
	MediaIDs []mastodonapi.ID `json:"media_ids,omitempty"`
}

// Post uploads every image and then publishes a status referencing them.
func (c *Client) Post(ctx context.Context, post doh.Post) (doh.PostResult, error) {
	var mediaIDs []mastodonapi.ID
	for i, img := range post.Images {
		if _, err := imageutil.DetectFormat(img); err != nil {
			return c.fail(doh.KindTranscode, "image %d: %w", i+1, err), nil
		}

		logutil.Debugf("mastodon: uploading media: index=%d bytes=%d", i+1, len(img))
		attachment, kind, err := c.uploadMedia(ctx, img)
		if err != nil {
			return c.fail(kind, "upload image %d: %w", i+1, err), nil
		}
		logutil.Debugf("mastodon: media uploaded: id=%s", attachment.ID)
		mediaIDs = append(mediaIDs, attachment.ID)
	}

	payload, err := json.Marshal(statusPayload{Status: post.Text, MediaIDs: mediaIDs})
	if err != nil {
		return doh.PostResult{}, fmt.Errorf("marshal status: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.server+"/api/v1/statuses", bytes.NewReader(payload))
	if err != nil {
		return doh.PostResult{}, fmt.Errorf("build status request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var status mastodonapi.Status
	if kind, err := c.do(req, &status); err != nil {
		return c.fail(kind, "post status: %w", err), nil
	}
	if status.ID == "" {
		return c.fail(doh.KindPost, "post status: response has no id"), nil
	}

	url := status.URL
	if url == "" {
		url = fmt.Sprintf("%s/web/statuses/%s", c.server, status.ID)
	}
	return doh.Succeeded(url), nil
}

func (c *Client) uploadMedia(ctx context.Context, data []byte) (*mastodonapi.Attachment, doh.Kind, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="image.%s"`, imageutil.Extension(data)))
	hdr.Set("Content-Type", imageutil.MIMEType(data))
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return nil, doh.KindUpload, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, doh.KindUpload, err
	}
	if err := mw.Close(); err != nil {
		return nil, doh.KindUpload, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.server+"/api/v2/media", &buf)
	if err != nil {
		return nil, doh.KindUpload, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var attachment mastodonapi.Attachment
	if kind, err := c.do(req, &attachment); err != nil {
		if kind == doh.KindPost {
			kind = doh.KindUpload
		}
		return nil, kind, err
	}
	if attachment.ID == "" {
		return nil, doh.KindUpload, fmt.Errorf("response has no id")
	}
	return &attachment, 0, nil
}

// do sends an authenticated request and decodes a 2xx JSON body into out.
func (c *Client) do(req *http.Request, out any) (doh.Kind, error) {
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return doh.KindTransport, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return doh.KindTransport, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return doh.KindPost, fmt.Errorf("%s - %s", resp.Status, apiErrorMessage(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return doh.KindPost, fmt.Errorf("decode response: %w", err)
	}
	return 0, nil
}

// apiErrorMessage extracts {"error": "..."} or falls back to the raw body.
func apiErrorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}

func (c *Client) fail(kind doh.Kind, format string, args ...any) doh.PostResult {
	err := doh.Errorf(doh.NameMastodon, kind, format, args...)
	logutil.Debugf("mastodon: %v", err)
	return doh.Failed(err)
}
