package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// This package implements coturn-compatible TURN REST credentials.
//
// See:
// - https://github.com/coturn/coturn/wiki/turnserver (use-auth-secret)
// - https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest
//
// Algorithm:
//
//	username   = <unix_expiry_timestamp>:<connection_id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// The relay server validates a credential by recomputing the HMAC, so the
// username layout and encoding must match byte-for-byte.

// MinSharedSecretLen is the shortest shared secret accepted at startup.
const MinSharedSecretLen = 32

// DefaultTTLSeconds is the lifetime of an issued credential.
const DefaultTTLSeconds int64 = 4 * 60 * 60

var (
	// ErrNotConfigured is returned by Issue when no shared secret is set.
	ErrNotConfigured = errors.New("turn credentials not configured")

	errSecretTooShort = fmt.Errorf("shared secret must be at least %d characters", MinSharedSecretLen)
)

type IssuerConfig struct {
	// SharedSecret is the coturn static-auth-secret. Empty disables issuance.
	SharedSecret string
	TTLSeconds   int64
	Now          func() time.Time
}

// Issuer derives ephemeral relay credentials for signaling connections.
// It is safe for concurrent use.
type Issuer struct {
	sharedSecret []byte
	ttlSeconds   int64
	now          func() time.Time
}

func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	if cfg.SharedSecret != "" && len(cfg.SharedSecret) < MinSharedSecretLen {
		return nil, errSecretTooShort
	}
	if cfg.TTLSeconds == 0 {
		cfg.TTLSeconds = DefaultTTLSeconds
	}
	if cfg.TTLSeconds < 0 {
		return nil, errors.New("TTLSeconds must be > 0")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	var secret []byte
	if cfg.SharedSecret != "" {
		secret = []byte(cfg.SharedSecret)
	}
	return &Issuer{
		sharedSecret: secret,
		ttlSeconds:   cfg.TTLSeconds,
		now:          cfg.Now,
	}, nil
}

// Enabled reports whether a shared secret is configured.
func (i *Issuer) Enabled() bool {
	return i != nil && len(i.sharedSecret) > 0
}

func (i *Issuer) TTL() time.Duration {
	return time.Duration(i.ttlSeconds) * time.Second
}

// Credential is an issued TURN REST credential. ExpiryUnix repeats the
// timestamp embedded in Username.
type Credential struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

func (c Credential) Expiry() time.Time {
	return time.Unix(c.ExpiryUnix, 0).UTC()
}

func (i *Issuer) Issue(connID string) (Credential, error) {
	if !i.Enabled() {
		return Credential{}, ErrNotConfigured
	}
	if connID == "" {
		return Credential{}, errors.New("connection id is required")
	}
	if strings.Contains(connID, ":") {
		return Credential{}, errors.New("connection id must not contain ':'")
	}
	expiryUnix := i.now().UTC().Unix() + i.ttlSeconds
	username := strconv.FormatInt(expiryUnix, 10) + ":" + connID
	return Credential{
		Username:   username,
		Credential: signUsername(i.sharedSecret, username),
		ExpiryUnix: expiryUnix,
	}, nil
}

// Verify performs the check a relay server does: the credential must be the
// HMAC of username and the expiry embedded in username must not have passed.
func Verify(sharedSecret, username, credential string, now time.Time) bool {
	expiryRaw, _, ok := strings.Cut(username, ":")
	if !ok {
		return false
	}
	expiry, err := strconv.ParseInt(expiryRaw, 10, 64)
	if err != nil || now.UTC().Unix() > expiry {
		return false
	}
	want := signUsername([]byte(sharedSecret), username)
	return hmac.Equal([]byte(want), []byte(credential))
}

func signUsername(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
