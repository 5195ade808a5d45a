package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// PortalTokenCookie is the cookie carrying the portal bearer token
const PortalTokenCookie = "portal_token"

// Portal token errors
var (
	ErrTokenInvalid = errors.New("portal token is invalid")
	ErrTokenExpired = errors.New("portal token has expired")
)

// PortalToken is the decoded form of identifier.expiresAtMillis.signatureHex
type PortalToken struct {
	Identifier string
	ExpiresAt  time.Time
}

// PortalTokenCodec signs and verifies stateless portal bearer tokens.
// The signature is HMAC-SHA256 over identifier + "." + expiresAtMillis.
type PortalTokenCodec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewPortalTokenCodec creates a codec keyed by secret. ttl is the lifetime used by Issue.
func NewPortalTokenCodec(secret string, ttl time.Duration) *PortalTokenCodec {
	return &PortalTokenCodec{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// TTL returns the lifetime of issued tokens
func (c *PortalTokenCodec) TTL() time.Duration {
	return c.ttl
}

// Issue signs a token for identifier that expires after the codec TTL
func (c *PortalTokenCodec) Issue(identifier string) (string, time.Time) {
	expiresAt := c.now().Add(c.ttl)
	return c.Sign(identifier, expiresAt), expiresAt
}

// Sign produces the wire form for identifier expiring at expiresAt
func (c *PortalTokenCodec) Sign(identifier string, expiresAt time.Time) string {
	millis := strconv.FormatInt(expiresAt.UnixMilli(), 10)
	return identifier + "." + millis + "." + c.signature(identifier, millis)
}

// Verify checks the signature and expiry of a wire token.
// Identifiers may contain dots (email addresses), so the token is split from the right.
func (c *PortalTokenCodec) Verify(token string) (*PortalToken, error) {
	sigDot := strings.LastIndexByte(token, '.')
	if sigDot <= 0 {
		return nil, ErrTokenInvalid
	}
	expDot := strings.LastIndexByte(token[:sigDot], '.')
	if expDot <= 0 {
		return nil, ErrTokenInvalid
	}

	identifier := token[:expDot]
	millis := token[expDot+1 : sigDot]
	sig := token[sigDot+1:]

	expMillis, err := strconv.ParseInt(millis, 10, 64)
	if err != nil {
		return nil, ErrTokenInvalid
	}

	// Compare the wire text so only the canonical lowercase hex form verifies
	if !hmac.Equal([]byte(sig), []byte(c.signature(identifier, millis))) {
		return nil, ErrTokenInvalid
	}

	expiresAt := time.UnixMilli(expMillis)
	if !c.now().Before(expiresAt) {
		return nil, ErrTokenExpired
	}

	return &PortalToken{Identifier: identifier, ExpiresAt: expiresAt}, nil
}

func (c *PortalTokenCodec) signature(identifier, millis string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(identifier))
	mac.Write([]byte("."))
	mac.Write([]byte(millis))
	return hex.EncodeToString(mac.Sum(nil))
}
