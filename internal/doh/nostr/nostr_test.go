package nostr

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gonostr "github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacktop/doh/internal/doh"
	"github.com/blacktop/doh/internal/remotesigner"
)

type fakePublisher struct {
	mu        sync.Mutex
	events    []gonostr.Event
	relays    []string
	connErr   error
	err       error
	connected bool
	closed    bool
}

func (f *fakePublisher) Connect(_ context.Context, relays []string) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relays = relays
	if f.connErr != nil {
		return nil, f.connErr
	}
	f.connected = true
	return f, nil
}

func (f *fakePublisher) Broadcast(_ context.Context, ev gonostr.Event) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.events = append(f.events, ev)
	return len(f.relays), nil
}

func (f *fakePublisher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakePublisher) isConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

type fakeSigner struct {
	sk        string
	signAs    string
	npub      bool
	available bool
	err       error
	signErr   error
	onSign    func()
	gotJSON   string
	gotApp    string
}

func (f *fakeSigner) Available(context.Context) bool { return f.available }

func (f *fakeSigner) GetPublicKey(context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	pk, err := gonostr.GetPublicKey(f.sk)
	if err != nil || !f.npub {
		return pk, err
	}
	return nip19.EncodePublicKey(pk)
}

func (f *fakeSigner) SignEvent(_ context.Context, eventJSON, appID string) (string, error) {
	f.gotJSON, f.gotApp = eventJSON, appID
	if f.onSign != nil {
		f.onSign()
	}
	if f.signErr != nil {
		return "", f.signErr
	}

	var u unsignedEvent
	if err := json.Unmarshal([]byte(eventJSON), &u); err != nil {
		return "", err
	}
	ev := gonostr.Event{Kind: u.Kind, Content: u.Content, Tags: u.Tags, CreatedAt: u.CreatedAt}
	sk := f.sk
	if f.signAs != "" {
		sk = f.signAs
	}
	if err := ev.Sign(sk); err != nil {
		return "", err
	}
	out, err := json.Marshal(ev)
	return string(out), err
}

func testPNG(t *testing.T, shade uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		for y := 0; y < 8; y++ {
			img.Set(x, y, color.RGBA{R: shade, G: uint8(x * 16), B: uint8(y * 16), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func tagValue(tags gonostr.Tags, key string) string {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == key {
			return tag[1]
		}
	}
	return ""
}

var fixedNow = func() time.Time { return time.Unix(1700000000, 0) }

func TestParseSecret(t *testing.T) {
	sk := gonostr.GeneratePrivateKey()
	nsec, err := nip19.EncodePrivateKey(sk)
	require.NoError(t, err)

	got, err := parseSecret(nsec)
	require.NoError(t, err)
	assert.Equal(t, sk, got)

	got, err = parseSecret("  " + strings.ToUpper(sk) + " ")
	require.NoError(t, err)
	assert.Equal(t, sk, got)

	for _, bad := range []string{"", "nsec1notreallyakey", "abcd", strings.Repeat("zz", 32)} {
		_, err := parseSecret(bad)
		assert.ErrorIs(t, err, ErrInvalidKey, bad)
	}
}

func TestPostLocalKey(t *testing.T) {
	sk := gonostr.GeneratePrivateKey()
	pub := &fakePublisher{}
	c := New(Config{Auth: LocalKey{Secret: sk}, Publisher: pub, Now: fixedNow})

	res, err := c.Post(context.Background(), doh.Post{Text: "hello nostr"})
	require.NoError(t, err)
	require.True(t, res.OK(), res.Message())
	assert.True(t, strings.HasPrefix(res.URL, "note1"))

	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	assert.Equal(t, gonostr.KindTextNote, ev.Kind)
	assert.Equal(t, "hello nostr", ev.Content)
	assert.Equal(t, gonostr.Timestamp(1700000000), ev.CreatedAt)
	assert.Equal(t, DefaultRelays, pub.relays)
	assert.True(t, pub.closed)

	wantPub, err := gonostr.GetPublicKey(sk)
	require.NoError(t, err)
	assert.Equal(t, wantPub, ev.PubKey)
	ok, err := ev.CheckSignature()
	require.NoError(t, err)
	assert.True(t, ok)

	_, id, err := nip19.Decode(res.URL)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, id)
}

func TestPostInvalidKey(t *testing.T) {
	pub := &fakePublisher{}
	c := New(Config{Auth: LocalKey{Secret: "not-a-key"}, Publisher: pub})

	res, err := c.Post(context.Background(), doh.Post{Text: "x"})
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Contains(t, res.Message(), "load keys")

	var dErr *doh.Error
	require.ErrorAs(t, res.Err, &dErr)
	assert.Equal(t, doh.KindAuth, dErr.Kind)
	assert.ErrorIs(t, res.Err, ErrInvalidKey)
	assert.Empty(t, pub.events)
}

func TestPostRelaysUnreachable(t *testing.T) {
	pub := &fakePublisher{connErr: ErrNoRelays}
	c := New(Config{Auth: LocalKey{Secret: gonostr.GeneratePrivateKey()}, Publisher: pub, Relays: []string{"wss://one"}})

	res, err := c.Post(context.Background(), doh.Post{Text: "x"})
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Contains(t, res.Message(), "connect relays")
	assert.ErrorIs(t, res.Err, ErrNoRelays)

	var dErr *doh.Error
	require.ErrorAs(t, res.Err, &dErr)
	assert.Equal(t, doh.KindTransport, dErr.Kind)
	assert.Equal(t, []string{"wss://one"}, pub.relays)
}

func TestPostBroadcastRejected(t *testing.T) {
	rejected := errors.New("no relay accepted the event")
	pub := &fakePublisher{err: rejected}
	c := New(Config{Auth: LocalKey{Secret: gonostr.GeneratePrivateKey()}, Publisher: pub})

	res, err := c.Post(context.Background(), doh.Post{Text: "x"})
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Equal(t, "send event: no relay accepted the event", res.Message())
	assert.True(t, pub.closed)
}

func TestPostImagesWithoutHostAreIgnored(t *testing.T) {
	pub := &fakePublisher{}
	c := New(Config{Auth: LocalKey{Secret: gonostr.GeneratePrivateKey()}, Publisher: pub})

	res, err := c.Post(context.Background(), doh.Post{Text: "caption", Images: [][]byte{testPNG(t, 1)}})
	require.NoError(t, err)
	require.True(t, res.OK())
	assert.Equal(t, "caption", pub.events[0].Content)
}

func TestPostBlossomUploads(t *testing.T) {
	var (
		mu     sync.Mutex
		calls  int
		bodies [][]byte
		auths  []gonostr.Event
	)
	pub := &fakePublisher{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, pub.isConnected(), "relays connect before uploads")
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/upload", r.URL.Path)
		assert.Equal(t, "image/png", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(r.Header.Get("Authorization"), "Nostr "))
		assert.NoError(t, err)
		var auth gonostr.Event
		assert.NoError(t, json.Unmarshal(raw, &auth))

		mu.Lock()
		calls++
		n := calls
		bodies = append(bodies, body)
		auths = append(auths, auth)
		mu.Unlock()

		if n == 2 {
			http.Error(w, "quota exceeded", http.StatusRequestEntityTooLarge)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"url": "https://cdn.example/" + string(rune('a'+n-1)) + ".png"})
	}))
	defer srv.Close()

	c := New(Config{
		Auth:         LocalKey{Secret: gonostr.GeneratePrivateKey()},
		ImageHostURL: srv.URL + "/",
		Publisher:    pub,
		Now:          fixedNow,
	})

	images := [][]byte{testPNG(t, 10), testPNG(t, 20), testPNG(t, 30)}
	res, err := c.Post(context.Background(), doh.Post{Text: "pics", Images: images})
	require.NoError(t, err)
	require.True(t, res.OK(), res.Message())

	assert.Equal(t, "pics\nhttps://cdn.example/a.png\nhttps://cdn.example/c.png", pub.events[0].Content)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, auths, 3)
	for i, auth := range auths {
		sum := sha256.Sum256(bodies[i])
		assert.Equal(t, blossomAuthKind, auth.Kind)
		assert.Equal(t, "upload", tagValue(auth.Tags, "t"))
		assert.Equal(t, hex.EncodeToString(sum[:]), tagValue(auth.Tags, "x"))
		assert.Equal(t, "1700000600", tagValue(auth.Tags, "expiration"))
		ok, err := auth.CheckSignature()
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestPostRemoteSigner(t *testing.T) {
	pub := &fakePublisher{}
	signer := &fakeSigner{sk: gonostr.GeneratePrivateKey()}
	signer.onSign = func() { assert.False(t, pub.isConnected(), "relays connect after signing") }
	c := New(Config{Auth: RemoteSigner{}, Signer: signer, Publisher: pub, Now: fixedNow})

	res, err := c.Post(context.Background(), doh.Post{Text: "signed elsewhere"})
	require.NoError(t, err)
	require.True(t, res.OK(), res.Message())

	assert.Equal(t, AppID, signer.gotApp)
	assert.JSONEq(t, `{"kind":1,"content":"signed elsewhere","tags":[],"created_at":1700000000}`, signer.gotJSON)

	require.Len(t, pub.events, 1)
	wantPub, _ := gonostr.GetPublicKey(signer.sk)
	assert.Equal(t, wantPub, pub.events[0].PubKey)
}

func TestPostRemoteSignerNpubIdentity(t *testing.T) {
	signer := &fakeSigner{sk: gonostr.GeneratePrivateKey(), npub: true}
	pub := &fakePublisher{}
	c := New(Config{Auth: RemoteSigner{}, Signer: signer, Publisher: pub})

	res, err := c.Post(context.Background(), doh.Post{Text: "x"})
	require.NoError(t, err)
	require.True(t, res.OK(), res.Message())

	wantPub, _ := gonostr.GetPublicKey(signer.sk)
	require.Len(t, pub.events, 1)
	assert.Equal(t, wantPub, pub.events[0].PubKey)
}

func TestNormalizePubKey(t *testing.T) {
	pk, err := gonostr.GetPublicKey(gonostr.GeneratePrivateKey())
	require.NoError(t, err)
	npub, err := nip19.EncodePublicKey(pk)
	require.NoError(t, err)

	got, err := normalizePubKey(" " + npub + " ")
	require.NoError(t, err)
	assert.Equal(t, pk, got)

	got, err = normalizePubKey(strings.ToUpper(pk))
	require.NoError(t, err)
	assert.Equal(t, pk, got)

	_, err = normalizePubKey("npub1garbage")
	assert.Error(t, err)
}

func TestPostRemoteSignerDenied(t *testing.T) {
	signer := &fakeSigner{sk: gonostr.GeneratePrivateKey(), signErr: &remotesigner.RejectedError{Message: "denied"}}
	pub := &fakePublisher{}
	c := New(Config{Auth: RemoteSigner{}, Signer: signer, Publisher: pub})

	res, err := c.Post(context.Background(), doh.Post{Text: "x"})
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Equal(t, "sign event: remote signer: denied", res.Message())
	assert.Empty(t, pub.events)
	assert.False(t, pub.isConnected())
}

func TestPostRemoteSignerWrongKey(t *testing.T) {
	signer := &fakeSigner{sk: gonostr.GeneratePrivateKey(), signAs: gonostr.GeneratePrivateKey()}
	pub := &fakePublisher{}
	c := New(Config{Auth: RemoteSigner{}, Signer: signer, Publisher: pub})

	res, err := c.Post(context.Background(), doh.Post{Text: "x"})
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Contains(t, res.Message(), "does not match signer")
	assert.Empty(t, pub.events)
}

func TestPostRemoteSignerUnavailable(t *testing.T) {
	signer := &fakeSigner{err: remotesigner.ErrUnavailable}
	c := New(Config{Auth: RemoteSigner{}, Signer: signer, Publisher: &fakePublisher{}})

	res, err := c.Post(context.Background(), doh.Post{Text: "x"})
	require.NoError(t, err)
	assert.True(t, errors.Is(res.Err, remotesigner.ErrUnavailable))
}

func TestIsAuthenticated(t *testing.T) {
	ctx := context.Background()
	assert.True(t, New(Config{Auth: LocalKey{Secret: gonostr.GeneratePrivateKey()}}).IsAuthenticated(ctx))
	assert.False(t, New(Config{Auth: LocalKey{Secret: "nope"}}).IsAuthenticated(ctx))
	assert.True(t, New(Config{Auth: RemoteSigner{}, Signer: &fakeSigner{available: true}}).IsAuthenticated(ctx))
	assert.False(t, New(Config{Auth: RemoteSigner{}, Signer: &fakeSigner{}}).IsAuthenticated(ctx))
	assert.False(t, New(Config{}).IsAuthenticated(ctx))
	assert.Equal(t, doh.NameNostr, New(Config{}).Name())
}
