// Package signing authenticates the source handshake. The client proves it
// holds the API hash by sending an HMAC over its id, session and a timestamp.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"
)

// Handshake header names.
const (
	HeaderAPIID     = "X-Api-Id"
	HeaderSession   = "X-Session"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
	HeaderInstance  = "X-Instance-Id"
)

// Signer generates and validates HMAC based signatures.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer keyed by secret.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// Sign returns the hex signature over subject and a unix timestamp.
func (s *Signer) Sign(subject string, unix int64) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(subject + ":" + strconv.FormatInt(unix, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Validate checks signature for subject and the timestamp string. Timestamps
// further than maxSkew from now are rejected; maxSkew <= 0 disables the check.
func (s *Signer) Validate(subject, timestamp, signature string, now time.Time, maxSkew time.Duration) bool {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	if maxSkew > 0 {
		skew := now.Sub(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > maxSkew {
			return false
		}
	}
	expected := s.Sign(subject, ts)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// HandshakeHeaders returns the headers that authenticate apiID and session.
func (s *Signer) HandshakeHeaders(apiID, session string, now time.Time) http.Header {
	ts := now.Unix()
	h := http.Header{}
	h.Set(HeaderAPIID, apiID)
	h.Set(HeaderSession, session)
	h.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	h.Set(HeaderSignature, s.Sign(subject(apiID, session), ts))
	return h
}

// VerifyHandshake validates headers produced by HandshakeHeaders.
func (s *Signer) VerifyHandshake(h http.Header, now time.Time, maxSkew time.Duration) bool {
	return s.Validate(subject(h.Get(HeaderAPIID), h.Get(HeaderSession)), h.Get(HeaderTimestamp), h.Get(HeaderSignature), now, maxSkew)
}

func subject(apiID, session string) string {
	return apiID + ":" + session
}
