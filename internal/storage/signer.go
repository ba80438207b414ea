package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidToken = errors.New("invalid download token")
	ErrTokenExpired = errors.New("download token expired")
)

// Signer issues and checks HMAC download tokens bound to an object key and expiry.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign returns base64(key|expiry) "." base64(hmac).
func (s *Signer) Sign(key string, expiry time.Time) string {
	payload := fmt.Sprintf("%s|%d", key, expiry.Unix())
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." + s.mac([]byte(payload))
}

// Verify validates token for key at time now.
func (s *Signer) Verify(key, token string, now time.Time) error {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return ErrInvalidToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return ErrInvalidToken
	}
	if !hmac.Equal([]byte(parts[1]), []byte(s.mac(payload))) {
		return ErrInvalidToken
	}
	idx := strings.LastIndexByte(string(payload), '|')
	if idx < 0 {
		return ErrInvalidToken
	}
	if string(payload[:idx]) != key {
		return ErrInvalidToken
	}
	expiry, err := strconv.ParseInt(string(payload[idx+1:]), 10, 64)
	if err != nil {
		return ErrInvalidToken
	}
	if now.Unix() > expiry {
		return ErrTokenExpired
	}
	return nil
}

func (s *Signer) mac(payload []byte) string {
	m := hmac.New(sha256.New, s.secret)
	m.Write(payload)
	return base64.RawURLEncoding.EncodeToString(m.Sum(nil))
}
