// Package oauth1 builds OAuth 1.0a HMAC-SHA1 Authorization headers for
// user-context requests.
package oauth1

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	signatureMethod = "HMAC-SHA1"
	version         = "1.0"
)

// Signer signs requests on behalf of a single user token.
type Signer struct {
	ConsumerKey    string
	ConsumerSecret string
	Token          string
	TokenSecret    string

	// Now and Nonce default to the wall clock and a random UUID.
	Now   func() time.Time
	Nonce func() string
}

// Header returns the Authorization header value for a request.
// params holds query or form parameters that take part in the signature; a
// JSON or multipart body does not.
func (s *Signer) Header(method, rawURL string, params map[string]string) string {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	nonce := newNonce
	if s.Nonce != nil {
		nonce = s.Nonce
	}
	return s.HeaderAt(method, rawURL, params, now().Unix(), nonce())
}

// HeaderAt is Header with a fixed timestamp and nonce.
func (s *Signer) HeaderAt(method, rawURL string, params map[string]string, timestamp int64, nonce string) string {
	oauth := map[string]string{
		"oauth_consumer_key":     s.ConsumerKey,
		"oauth_nonce":            nonce,
		"oauth_signature_method": signatureMethod,
		"oauth_timestamp":        strconv.FormatInt(timestamp, 10),
		"oauth_token":            s.Token,
		"oauth_version":          version,
	}
	oauth["oauth_signature"] = s.signature(method, rawURL, oauth, params)

	keys := sortedKeys(oauth)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf(`%s="%s"`, PercentEncode(k), PercentEncode(oauth[k])))
	}
	return "OAuth " + strings.Join(parts, ", ")
}

func (s *Signer) signature(method, rawURL string, oauth, params map[string]string) string {
	all := make(map[string]string, len(oauth)+len(params))
	for k, v := range params {
		all[PercentEncode(k)] = PercentEncode(v)
	}
	for k, v := range oauth {
		all[PercentEncode(k)] = PercentEncode(v)
	}

	keys := sortedKeys(all)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+all[k])
	}

	base := strings.ToUpper(method) + "&" + PercentEncode(rawURL) + "&" + PercentEncode(strings.Join(pairs, "&"))
	key := PercentEncode(s.ConsumerSecret) + "&" + PercentEncode(s.TokenSecret)

	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// PercentEncode escapes s per RFC 3986, leaving only unreserved characters.
func PercentEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}
	return false
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func newNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
