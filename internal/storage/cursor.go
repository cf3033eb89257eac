// -------------------------------------------------------------------------------
// Cursor Codec - Tamper-Evident Pagination Tokens
//
// Author: Alex Freidah
//
// Encodes keyset cursors as base64url(JSON).base64url(HMAC-SHA256) without
// padding. The signing key is derived from the configured secret with HKDF so
// the raw secret never keys the MAC directly. An empty secret yields a random
// per-process key; cursors then stop validating across restarts.
// -------------------------------------------------------------------------------

package storage

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	cursorKeyInfo = "shortlinkd cursor v1"
	cursorKeyLen  = 32
)

// CursorCodec signs and verifies pagination cursors.
type CursorCodec struct {
	key []byte
}

// NewCursorCodec derives a signing key from secret. An empty secret falls
// back to a random key and logs a warning.
func NewCursorCodec(secret string) (*CursorCodec, error) {
	ikm := []byte(secret)
	if secret == "" {
		ikm = make([]byte, cursorKeyLen)
		if _, err := rand.Read(ikm); err != nil {
			return nil, fmt.Errorf("failed to generate cursor key: %w", err)
		}
		slog.Warn("No pagination cursor secret configured, using a random key; cursors will not survive restarts")
	}

	key := make([]byte, cursorKeyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, nil, []byte(cursorKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive cursor key: %w", err)
	}
	return &CursorCodec{key: key}, nil
}

// Encode returns the signed token for c.
func (cc *CursorCodec) Encode(c Cursor) string {
	payload, _ := json.Marshal(c)
	enc := base64.RawURLEncoding
	return enc.EncodeToString(payload) + "." + enc.EncodeToString(cc.sign(payload))
}

// Decode verifies token and returns its cursor. Any malformed or forged
// token is an ErrValidation.
func (cc *CursorCodec) Decode(token string) (*Cursor, error) {
	payloadPart, sigPart, ok := strings.Cut(token, ".")
	if !ok || payloadPart == "" || sigPart == "" {
		return nil, validationf("invalid cursor")
	}

	enc := base64.RawURLEncoding
	payload, err := enc.DecodeString(payloadPart)
	if err != nil {
		return nil, validationf("invalid cursor")
	}
	sig, err := enc.DecodeString(sigPart)
	if err != nil {
		return nil, validationf("invalid cursor")
	}
	if !hmac.Equal(sig, cc.sign(payload)) {
		return nil, validationf("invalid cursor")
	}

	var c Cursor
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, validationf("invalid cursor")
	}
	return &c, nil
}

func (cc *CursorCodec) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, cc.key)
	mac.Write(payload)
	return mac.Sum(nil)
}
