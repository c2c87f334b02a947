// Package remotesigner talks to an external Nostr signer that keeps the
// private key in its own process and signs events on request.
package remotesigner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/blacktop/doh/internal/logutil"
)

// Errors
var (
	ErrUnavailable = errors.New("remotesigner: service unavailable")
	ErrNoResult    = errors.New("remotesigner: no result in response")
)

// RejectedError is returned when the signer answers with success=false.
type RejectedError struct {
	Message string
}

func (e *RejectedError) Error() string {
	return "remote signer: " + e.Message
}

// Caller performs raw method calls against the signer service. Every method
// answers with a JSON envelope string.
type Caller interface {
	Call(ctx context.Context, method string, args ...any) (string, error)
	HasOwner(ctx context.Context) (bool, error)
}

// Client is a typed view over a Caller.
type Client struct {
	caller Caller
}

// New returns a Client using the session bus.
func New() *Client {
	return &Client{caller: busCaller{}}
}

// NewWithCaller returns a Client that sends calls through c.
func NewWithCaller(c Caller) *Client {
	return &Client{caller: c}
}

// Available reports whether the signer service is currently reachable.
func (c *Client) Available(ctx context.Context) bool {
	ok, err := c.caller.HasOwner(ctx)
	if err != nil {
		logutil.Debugf("remote signer probe failed: %v", err)
		return false
	}
	return ok
}

// GetPublicKey returns the hex public key the signer holds.
func (c *Client) GetPublicKey(ctx context.Context) (string, error) {
	raw, err := c.caller.Call(ctx, "GetPublicKey")
	if err != nil {
		return "", err
	}
	logutil.Debugf("remote signer GetPublicKey response: %s", raw)
	return decodeEnvelope(raw)
}

// SignEvent asks the signer to sign an unsigned event and returns the
// signed event JSON.
func (c *Client) SignEvent(ctx context.Context, eventJSON, appID string) (string, error) {
	raw, err := c.caller.Call(ctx, "SignEvent", eventJSON, appID)
	if err != nil {
		return "", err
	}
	logutil.Debugf("remote signer SignEvent response: %s", raw)
	return decodeEnvelope(raw)
}

type envelope struct {
	Success bool    `json:"success"`
	Result  *string `json:"result"`
	Error   *string `json:"error"`
}

// decodeEnvelope unwraps {success, result, error}. The signer JSON-encodes
// result a second time, so a string result arrives as a quoted JSON string.
func decodeEnvelope(raw string) (string, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	if !env.Success {
		msg := "unknown error"
		if env.Error != nil && *env.Error != "" {
			msg = *env.Error
		}
		return "", &RejectedError{Message: msg}
	}

	if env.Result == nil {
		return "", ErrNoResult
	}

	var inner string
	if err := json.Unmarshal([]byte(*env.Result), &inner); err != nil {
		return "", fmt.Errorf("decode result: %w", err)
	}
	return inner, nil
}
