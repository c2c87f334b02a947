package twitter

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

	"github.com/michimani/gotwi"
	uploadtypes "github.com/michimani/gotwi/media/upload/types"
	"github.com/michimani/gotwi/resources"
	managetweettypes "github.com/michimani/gotwi/tweet/managetweet/types"

	"github.com/blacktop/doh/internal/doh"
	"github.com/blacktop/doh/internal/imageutil"
	"github.com/blacktop/doh/internal/logutil"
	"github.com/blacktop/doh/internal/oauth1"
)

const (
	// DefaultUploadURL is the v1.1 simple media upload endpoint.
	DefaultUploadURL = "https://upload.twitter.com/1.1/media/upload.json"
	// DefaultTweetURL is the v2 tweet creation endpoint.
	DefaultTweetURL = "https://api.twitter.com/2/tweets"

	maxImageBytes = 5_000_000
)

var httpTimeout = 30 * time.Second

// Config captures the credentials required for OAuth 1.0a user-context requests.
type Config struct {
	APIKey       string
	APISecret    string
	AccessToken  string
	AccessSecret string

	UploadURL  string
	TweetURL   string
	HTTPClient *http.Client

	// Now and Nonce are passed to the request signer.
	Now   func() time.Time
	Nonce func() string
}

// Client implements doh.Platform for X (Twitter).
type Client struct {
	signer     *oauth1.Signer
	uploadURL  string
	tweetURL   string
	httpClient *http.Client
}

// New constructs an X client.
func New(cfg Config) *Client {
	c := &Client{
		signer: &oauth1.Signer{
			ConsumerKey:    strings.TrimSpace(cfg.APIKey),
			ConsumerSecret: strings.TrimSpace(cfg.APISecret),
			Token:          strings.TrimSpace(cfg.AccessToken),
			TokenSecret:    strings.TrimSpace(cfg.AccessSecret),
			Now:            cfg.Now,
			Nonce:          cfg.Nonce,
		},
		uploadURL:  cfg.UploadURL,
		tweetURL:   cfg.TweetURL,
		httpClient: cfg.HTTPClient,
	}
	if c.uploadURL == "" {
		c.uploadURL = DefaultUploadURL
	}
	if c.tweetURL == "" {
		c.tweetURL = DefaultTweetURL
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: httpTimeout}
	}
	return c
}

// Name returns the platform identifier.
func (c *Client) Name() string { return doh.NameX }

// IsAuthenticated reports whether all four OAuth values are present.
func (c *Client) IsAuthenticated(context.Context) bool {
	s := c.signer
	return s.ConsumerKey != "" && s.ConsumerSecret != "" && s.Token != "" && s.TokenSecret != ""
}

// Post uploads every image and then publishes the tweet.
func (c *Client) Post(ctx context.Context, post doh.Post) (doh.PostResult, error) {
	var mediaIDs []string
	for i, img := range post.Images {
		data, err := imageutil.Transcode(img, imageutil.Budget{MaxBytes: maxImageBytes})
		if err != nil {
			return c.fail(doh.KindTranscode, "process image %d: %w", i+1, err), nil
		}

		logutil.Debugf("x: uploading media: index=%d bytes=%d", i+1, len(data))
		mediaID, kind, err := c.uploadMedia(ctx, data)
		if err != nil {
			return c.fail(kind, "upload image %d: %w", i+1, err), nil
		}
		logutil.Debugf("x: media uploaded: media_id=%s", mediaID)
		mediaIDs = append(mediaIDs, mediaID)
	}

	input := &managetweettypes.CreateInput{
		Text: gotwi.String(post.Text),
	}
	if len(mediaIDs) > 0 {
		input.Media = &managetweettypes.CreateInputMedia{MediaIDs: mediaIDs}
	}
	body, err := json.Marshal(input)
	if err != nil {
		return doh.PostResult{}, fmt.Errorf("marshal tweet: %w", err)
	}

	logutil.Debugf("x: posting tweet: media_count=%d", len(mediaIDs))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tweetURL, bytes.NewReader(body))
	if err != nil {
		return doh.PostResult{}, fmt.Errorf("build tweet request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.signer.Header(http.MethodPost, c.tweetURL, nil))

	respBody, status, err := c.do(req)
	if err != nil {
		return c.fail(doh.KindTransport, "post tweet: %w", err), nil
	}
	if status/100 != 2 {
		return c.fail(doh.KindPost, "post tweet: %s", summarizeError(status, respBody)), nil
	}

	var out createOutput
	if err := json.Unmarshal(respBody, &out); err != nil {
		return c.fail(doh.KindPost, "post tweet: decode response: %w", err), nil
	}
	if err := partialError(out.Errors); err != nil {
		return c.fail(doh.KindPost, "post tweet: %w", err), nil
	}
	id := gotwi.StringValue(out.Data.ID)
	if id == "" {
		return c.fail(doh.KindPost, "post tweet: response has no id"), nil
	}
	logutil.Debugf("x: tweet posted: id=%s", id)

	return doh.Succeeded("https://x.com/i/web/status/" + id), nil
}

// createOutput adds the partial errors a 2xx tweet response may carry.
type createOutput struct {
	managetweettypes.CreateOutput
	Errors []resources.PartialError `json:"errors"`
}

type mediaUploadResponse struct {
	MediaIDString string `json:"media_id_string"`
}

// uploadMedia sends a simple (non-chunked) multipart upload. The returned
// Kind classifies a failure.
func (c *Client) uploadMedia(ctx context.Context, data []byte) (string, doh.Kind, error) {
	mediaType, category := resolveMediaType(data)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="media"; filename="image.%s"`, imageutil.Extension(data)))
	hdr.Set("Content-Type", string(mediaType))
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return "", doh.KindUpload, err
	}
	if _, err := part.Write(data); err != nil {
		return "", doh.KindUpload, err
	}
	if err := mw.WriteField("media_category", string(category)); err != nil {
		return "", doh.KindUpload, err
	}
	if err := mw.Close(); err != nil {
		return "", doh.KindUpload, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL, &buf)
	if err != nil {
		return "", doh.KindUpload, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", c.signer.Header(http.MethodPost, c.uploadURL, nil))

	body, status, err := c.do(req)
	if err != nil {
		return "", doh.KindTransport, err
	}
	if status/100 != 2 {
		return "", doh.KindUpload, fmt.Errorf("%s", summarizeError(status, body))
	}

	var out mediaUploadResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", doh.KindUpload, fmt.Errorf("decode response: %w", err)
	}
	if out.MediaIDString == "" {
		return "", doh.KindUpload, fmt.Errorf("response has no media_id_string")
	}
	return out.MediaIDString, 0, nil
}

func (c *Client) do(req *http.Request) ([]byte, int, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

func (c *Client) fail(kind doh.Kind, format string, args ...any) doh.PostResult {
	err := doh.Errorf(doh.NameX, kind, format, args...)
	logutil.Debugf("x: %v", err)
	return doh.Failed(err)
}

func resolveMediaType(data []byte) (uploadtypes.MediaType, uploadtypes.MediaCategory) {
	format, _ := imageutil.DetectFormat(data)
	switch format {
	case imageutil.FormatPNG:
		return uploadtypes.MediaTypePNG, uploadtypes.MediaCategoryTweetImage
	case imageutil.FormatGIF:
		return uploadtypes.MediaTypeGIF, uploadtypes.MediaCategoryTweetGIF
	case imageutil.FormatWebP:
		return uploadtypes.MediaTypeWebP, uploadtypes.MediaCategoryTweetImage
	}
	return uploadtypes.MediaTypeJPEG, uploadtypes.MediaCategoryTweetImage
}

// errorBody covers both v2 problem responses and v1.1 error lists.
type errorBody struct {
	Title  string            `json:"title"`
	Detail string            `json:"detail"`
	Errors []json.RawMessage `json:"errors"`
}

type legacyError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func summarizeError(status int, body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		if text := strings.TrimSpace(string(body)); text != "" {
			return fmt.Sprintf("%d %s", status, text)
		}
		return fmt.Sprintf("%d %s", status, http.StatusText(status))
	}

	parts := make([]string, 0, 2+len(eb.Errors))
	if eb.Title != "" {
		parts = append(parts, eb.Title)
	}
	if eb.Detail != "" && eb.Detail != eb.Title {
		parts = append(parts, eb.Detail)
	}
	for _, raw := range eb.Errors {
		var pe resources.PartialError
		if json.Unmarshal(raw, &pe) == nil {
			if err := partialError([]resources.PartialError{pe}); err != nil && err.Error() != "unknown error" {
				parts = append(parts, err.Error())
				continue
			}
		}
		var le legacyError
		if json.Unmarshal(raw, &le) == nil && le.Message != "" {
			parts = append(parts, le.Message)
		}
	}
	if len(parts) == 0 {
		return fmt.Sprintf("%d %s", status, http.StatusText(status))
	}
	return strings.Join(parts, "; ")
}

func partialError(partials []resources.PartialError) error {
	if len(partials) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(partials))
	for _, pe := range partials {
		switch {
		case pe.Detail != nil && *pe.Detail != "":
			msgs = append(msgs, *pe.Detail)
		case pe.Title != nil && *pe.Title != "":
			msgs = append(msgs, *pe.Title)
		case pe.ResourceType != nil:
			msgs = append(msgs, fmt.Sprintf("%s", *pe.ResourceType))
		}
	}
	if len(msgs) == 0 {
		msgs = append(msgs, "unknown error")
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
