package bluesky

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacktop/doh/internal/doh"
)

const testCID = "bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi"

type fakePDS struct {
	*httptest.Server

	mu         sync.Mutex
	failUpload int
	uploads    []string
	records    []map[string]any
	auth       []string
}

// newFakePDS serves a PDS whose failUpload-th blob upload (1-based) fails;
// zero disables the failure.
func newFakePDS(t *testing.T, failUpload int) *fakePDS {
	t.Helper()
	pds := &fakePDS{failUpload: failUpload}

	mux := http.NewServeMux()
	mux.HandleFunc("/xrpc/com.atproto.server.createSession", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in["password"] != "app-pass" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"AuthenticationRequired","message":"Invalid identifier or password"}`))
			return
		}
		writeJSON(w, map[string]string{
			"accessJwt":  "access-token",
			"refreshJwt": "refresh-token",
			"handle":     in["identifier"],
			"did":        "did:plc:alice",
		})
	})
	mux.HandleFunc("/xrpc/com.atproto.repo.uploadBlob", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		pds.mu.Lock()
		pds.uploads = append(pds.uploads, r.Header.Get("Content-Type"))
		pds.auth = append(pds.auth, r.Header.Get("Authorization"))
		n := len(pds.uploads)
		pds.mu.Unlock()

		if n == pds.failUpload {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"BlobTooLarge","message":"too big"}`))
			return
		}
		writeJSON(w, map[string]any{
			"blob": map[string]any{
				"$type":    "blob",
				"ref":      map[string]string{"$link": testCID},
				"mimeType": r.Header.Get("Content-Type"),
				"size":     len(body),
			},
		})
	})
	mux.HandleFunc("/xrpc/com.atproto.repo.createRecord", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]any
		_ = json.NewDecoder(r.Body).Decode(&in)

		pds.mu.Lock()
		pds.records = append(pds.records, in)
		pds.mu.Unlock()

		writeJSON(w, map[string]string{
			"uri": "at://did:plc:alice/app.bsky.feed.post/3k2abc",
			"cid": testCID,
		})
	})

	pds.Server = httptest.NewServer(mux)
	t.Cleanup(pds.Close)
	return pds
}

func (p *fakePDS) snapshot() (uploads, auth []string, records []map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.uploads...), append([]string(nil), p.auth...), append([]map[string]any(nil), p.records...)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 200, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newClient(pds *fakePDS) *Client {
	return New(Config{Handle: "alice.bsky.social", AppPassword: "app-pass", PDSURL: pds.URL + "/"})
}

func TestPostTextOnly(t *testing.T) {
	pds := newFakePDS(t, 0)

	res, err := newClient(pds).Post(context.Background(), doh.Post{Text: "hello sky"})
	require.NoError(t, err)
	require.True(t, res.OK(), res.Message())
	assert.Equal(t, "https://bsky.app/profile/alice.bsky.social/post/3k2abc", res.URL)

	uploads, _, records := pds.snapshot()
	assert.Empty(t, uploads)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "did:plc:alice", rec["repo"])
	assert.Equal(t, "app.bsky.feed.post", rec["collection"])

	record := rec["record"].(map[string]any)
	assert.Equal(t, "hello sky", record["text"])
	assert.Equal(t, "app.bsky.feed.post", record["$type"])
	assert.NotEmpty(t, record["createdAt"])
	assert.NotContains(t, record, "embed")
}

func TestPostCapsImagesAtFour(t *testing.T) {
	pds := newFakePDS(t, 0)
	img := testPNG(t)

	res, err := newClient(pds).Post(context.Background(), doh.Post{
		Text:   "five pics",
		Images: [][]byte{img, img, img, img, img},
	})
	require.NoError(t, err)
	require.True(t, res.OK(), res.Message())

	uploads, auth, records := pds.snapshot()
	assert.Equal(t, []string{"image/png", "image/png", "image/png", "image/png"}, uploads)
	for _, a := range auth {
		assert.Equal(t, "Bearer access-token", a)
	}

	require.Len(t, records, 1)
	record := records[0]["record"].(map[string]any)
	embed := record["embed"].(map[string]any)
	assert.Equal(t, "app.bsky.embed.images", embed["$type"])
	assert.Len(t, embed["images"], 4)
}

func TestPostUploadFailureAborts(t *testing.T) {
	pds := newFakePDS(t, 2)
	img := testPNG(t)

	res, err := newClient(pds).Post(context.Background(), doh.Post{Text: "x", Images: [][]byte{img, img, img, img}})
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Contains(t, res.Message(), "upload image 2")

	var dErr *doh.Error
	require.ErrorAs(t, res.Err, &dErr)
	assert.Equal(t, doh.KindUpload, dErr.Kind)
	assert.Equal(t, doh.NameBlueSky, dErr.Platform)

	uploads, _, records := pds.snapshot()
	assert.Len(t, uploads, 2)
	assert.Empty(t, records)
}

func TestPostLoginFailure(t *testing.T) {
	pds := newFakePDS(t, 0)
	c := New(Config{Handle: "alice.bsky.social", AppPassword: "wrong", PDSURL: pds.URL})

	res, err := c.Post(context.Background(), doh.Post{Text: "x"})
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Contains(t, res.Message(), "login")
	_, _, records := pds.snapshot()
	assert.Empty(t, records)
}

func TestPostBadImage(t *testing.T) {
	pds := newFakePDS(t, 0)

	res, err := newClient(pds).Post(context.Background(), doh.Post{Text: "x", Images: [][]byte{[]byte("not an image")}})
	require.NoError(t, err)
	assert.False(t, res.OK())

	var dErr *doh.Error
	require.ErrorAs(t, res.Err, &dErr)
	assert.Equal(t, doh.KindTranscode, dErr.Kind)
	uploads, _, _ := pds.snapshot()
	assert.Empty(t, uploads)
}

func TestPostURL(t *testing.T) {
	assert.Equal(t, "https://bsky.app/profile/bob.test/post/3kabc", postURL("bob.test", "at://did:plc:bob/app.bsky.feed.post/3kabc"))
	assert.Equal(t, "garbage", postURL("bob.test", "garbage"))
}

func TestDefaults(t *testing.T) {
	c := New(Config{Handle: " h ", AppPassword: "p"})
	assert.Equal(t, DefaultPDSURL, c.host)
	assert.True(t, c.IsAuthenticated(context.Background()))
	assert.False(t, New(Config{Handle: "h"}).IsAuthenticated(context.Background()))
	assert.Equal(t, "BlueSky", c.Name())
}
