package nostr

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	gonostr "github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// ErrInvalidKey is returned when a LocalKey secret is neither nsec nor hex.
var ErrInvalidKey = errors.New("invalid nostr secret key: expected nsec1... or 64 hex characters")

// Auth selects how notes are signed. It is either LocalKey or RemoteSigner.
type Auth interface {
	isAuth()
}

// LocalKey signs in process with the given secret (nsec1... or hex).
type LocalKey struct {
	Secret string
}

// RemoteSigner delegates signing to the external signer service.
type RemoteSigner struct{}

func (LocalKey) isAuth()     {}
func (RemoteSigner) isAuth() {}

// SignerService is the external signer as seen by this adapter.
// *remotesigner.Client satisfies it.
type SignerService interface {
	Available(ctx context.Context) bool
	GetPublicKey(ctx context.Context) (string, error)
	SignEvent(ctx context.Context, eventJSON, appID string) (string, error)
}

// backend acquires key material and signs events for one Post call.
type backend interface {
	PublicKey(ctx context.Context) (string, error)
	Sign(ctx context.Context, ev *gonostr.Event) error
	// blobKey returns the secret used to authorize Blossom uploads.
	blobKey() string
}

// parseSecret returns the hex secret key for an nsec or hex string.
func parseSecret(secret string) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", ErrInvalidKey
	}

	if strings.HasPrefix(secret, "nsec1") {
		prefix, value, err := nip19.Decode(secret)
		if err != nil || prefix != "nsec" {
			return "", ErrInvalidKey
		}
		sk, ok := value.(string)
		if !ok {
			return "", ErrInvalidKey
		}
		return sk, nil
	}

	if !isHexKey(secret) {
		return "", ErrInvalidKey
	}
	return strings.ToLower(secret), nil
}

type localBackend struct {
	sk string
}

func (b localBackend) PublicKey(context.Context) (string, error) {
	return gonostr.GetPublicKey(b.sk)
}

func (b localBackend) Sign(_ context.Context, ev *gonostr.Event) error {
	return ev.Sign(b.sk)
}

func (b localBackend) blobKey() string { return b.sk }

type remoteBackend struct {
	svc   SignerService
	appID string
	// Blossom uploads are authorized with a throwaway key since the
	// signer only signs notes.
	throwaway string
	pubkey    string
}

func (b *remoteBackend) PublicKey(ctx context.Context) (string, error) {
	pk, err := b.svc.GetPublicKey(ctx)
	if err != nil {
		return "", err
	}
	if b.pubkey, err = normalizePubKey(pk); err != nil {
		return "", err
	}
	return b.pubkey, nil
}

// normalizePubKey returns the hex form of an npub or hex public key.
func normalizePubKey(pk string) (string, error) {
	pk = strings.TrimSpace(pk)
	if !strings.HasPrefix(pk, "npub1") {
		return strings.ToLower(pk), nil
	}
	prefix, value, err := nip19.Decode(pk)
	if err != nil || prefix != "npub" {
		return "", fmt.Errorf("invalid public key %q", pk)
	}
	hexKey, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("invalid public key %q", pk)
	}
	return hexKey, nil
}

func isHexKey(s string) bool {
	raw, err := hex.DecodeString(s)
	return err == nil && len(raw) == 32
}

// unsignedEvent is the exact shape the signer expects.
type unsignedEvent struct {
	Kind      int               `json:"kind"`
	Content   string            `json:"content"`
	Tags      gonostr.Tags      `json:"tags"`
	CreatedAt gonostr.Timestamp `json:"created_at"`
}

func (b *remoteBackend) Sign(ctx context.Context, ev *gonostr.Event) error {
	tags := ev.Tags
	if tags == nil {
		tags = gonostr.Tags{}
	}
	payload, err := json.Marshal(unsignedEvent{
		Kind:      ev.Kind,
		Content:   ev.Content,
		Tags:      tags,
		CreatedAt: ev.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal unsigned event: %w", err)
	}

	signedJSON, err := b.svc.SignEvent(ctx, string(payload), b.appID)
	if err != nil {
		return err
	}

	var signed gonostr.Event
	if err := json.Unmarshal([]byte(signedJSON), &signed); err != nil {
		return fmt.Errorf("parse signed event: %w", err)
	}
	if err := verifySigned(signed, ev.Kind, b.pubkey); err != nil {
		return err
	}

	*ev = signed
	return nil
}

func (b *remoteBackend) blobKey() string { return b.throwaway }

func verifySigned(ev gonostr.Event, kind int, pubkey string) error {
	if ev.Kind != kind {
		return fmt.Errorf("signed event has kind %d, want %d", ev.Kind, kind)
	}
	if isHexKey(pubkey) && !strings.EqualFold(ev.PubKey, pubkey) {
		return fmt.Errorf("signed event pubkey %s does not match signer", ev.PubKey)
	}
	ok, err := ev.CheckSignature()
	if err != nil {
		return fmt.Errorf("check signature: %w", err)
	}
	if !ok {
		return errors.New("signed event has an invalid signature")
	}
	return nil
}
