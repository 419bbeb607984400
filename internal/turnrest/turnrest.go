// Package turnrest issues coturn-compatible ephemeral TURN credentials
// ("TURN REST API", draft-uberti-behave-turn-rest):
//
//	username   = <unix_expiry>:<prefix>:<session_id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// Expiry is computed from the server clock in UTC.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMissingSecret = errors.New("turnrest: shared secret is required")
	ErrInvalidTTL    = errors.New("turnrest: ttl must be > 0")
	ErrInvalidPrefix = errors.New("turnrest: username prefix must be non-empty and must not contain ':'")
	ErrInvalidID     = errors.New("turnrest: session id must be non-empty and must not contain ':'")
)

type Config struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string

	// Now and NewSessionID are overridable for tests.
	Now          func() time.Time
	NewSessionID func() string
}

type Generator struct {
	secret []byte
	ttl    time.Duration
	prefix string
	now    func() time.Time
	newID  func() string
}

type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

func NewGenerator(cfg Config) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, ErrMissingSecret
	}
	if cfg.TTL < time.Second {
		return nil, ErrInvalidTTL
	}
	if cfg.UsernamePrefix == "" || strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, ErrInvalidPrefix
	}
	g := &Generator{
		secret: []byte(cfg.SharedSecret),
		ttl:    cfg.TTL,
		prefix: cfg.UsernamePrefix,
		now:    cfg.Now,
		newID:  cfg.NewSessionID,
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.newID == nil {
		g.newID = func() string { return uuid.NewString() }
	}
	return g, nil
}

// Generate signs credentials for sessionID.
func (g *Generator) Generate(sessionID string) (Credentials, error) {
	if sessionID == "" || strings.Contains(sessionID, ":") {
		return Credentials{}, ErrInvalidID
	}
	expires := g.now().UTC().Add(g.ttl).Truncate(time.Second)
	username := fmt.Sprintf("%d:%s:%s", expires.Unix(), g.prefix, sessionID)
	return Credentials{
		Username:   username,
		Credential: Sign(g.secret, username),
		Expires:    expires,
	}, nil
}

// GenerateRandom signs credentials for a fresh random session id.
func (g *Generator) GenerateRandom() (Credentials, error) {
	return g.Generate(g.newID())
}

// Sign computes the coturn credential for username.
func Sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
