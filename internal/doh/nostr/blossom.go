package nostr

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	gonostr "github.com/nbd-wtf/go-nostr"

	"github.com/blacktop/doh/internal/imageutil"
	"github.com/blacktop/doh/internal/logutil"
)

const (
	blossomAuthKind   = 24242
	blossomAuthExpiry = 10 * time.Minute
)

type blossomResponse struct {
	URL string `json:"url"`
}

// blossomAuth builds the signed kind-24242 event authorizing an upload of
// a blob with the given SHA-256 hex digest.
func blossomAuth(sk, digest string, now time.Time) (gonostr.Event, error) {
	ev := gonostr.Event{
		CreatedAt: gonostr.Timestamp(now.Unix()),
		Kind:      blossomAuthKind,
		Tags: gonostr.Tags{
			{"t", "upload"},
			{"x", digest},
			{"expiration", strconv.FormatInt(now.Add(blossomAuthExpiry).Unix(), 10)},
		},
		Content: "",
	}
	if err := ev.Sign(sk); err != nil {
		return gonostr.Event{}, fmt.Errorf("sign upload authorization: %w", err)
	}
	return ev, nil
}

// uploadBlob PUTs data to <host>/upload and returns the URL the server
// assigned to it.
func (c *Client) uploadBlob(ctx context.Context, sk string, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	auth, err := blossomAuth(sk, digest, c.now())
	if err != nil {
		return "", err
	}
	authJSON, err := json.Marshal(auth)
	if err != nil {
		return "", fmt.Errorf("marshal upload authorization: %w", err)
	}

	uploadURL := strings.TrimRight(c.imageHost, "/") + "/upload"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Authorization", "Nostr "+base64.StdEncoding.EncodeToString(authJSON))
	req.Header.Set("Content-Type", imageutil.MIMEType(data))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read upload response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("blossom upload failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var out blossomResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("blossom upload failed: response has no url")
	}
	return out.URL, nil
}

// uploadImages strips metadata from each image and uploads it. Failures are
// logged and the image is left out.
func (c *Client) uploadImages(ctx context.Context, sk string, images [][]byte) []string {
	var urls []string
	for i, img := range images {
		clean, err := imageutil.Transcode(img, imageutil.Budget{StripMetadata: true})
		if err != nil {
			logutil.Warnf("nostr: skipping image %d: %v", i+1, err)
			continue
		}
		logutil.Debugf("nostr: image processed: index=%d bytes=%d->%d", i+1, len(img), len(clean))

		url, err := c.uploadBlob(ctx, sk, clean)
		if err != nil {
			logutil.Warnf("nostr: image %d upload failed: %v", i+1, err)
			continue
		}
		logutil.Debugf("nostr: image uploaded: index=%d url=%s", i+1, url)
		urls = append(urls, url)
	}
	return urls
}
