// Package signing implements the HMAC request envelope: signature, timestamp,
// and version headers over (timestamp, raw body).
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Wire header names.
const (
	HeaderSignature = "X-EagleChat-Signature"
	HeaderTimestamp = "X-EagleChat-Timestamp"
	HeaderVersion   = "X-EagleChat-Version"

	Version = "v1"

	signaturePrefix = "hmac-sha256="
)

// Window is the accepted clock skew on either side of now. It is a trade-off
// between skew tolerance and replay surface and is not configurable here.
const Window = 300 * time.Second

// Sign computes the envelope signature for a body at the given timestamp.
// The signed string is exactly timestamp + "\n" + body.
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d\n", timestamp)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Envelope is a parsed set of signing headers.
type Envelope struct {
	Signature string
	Timestamp int64
	Version   string
}

// ParseEnvelope extracts and validates header shape. get is typically
// http.Header.Get.
func ParseEnvelope(get func(string) string) (*Envelope, error) {
	sig := get(HeaderSignature)
	ts := get(HeaderTimestamp)
	version := get(HeaderVersion)
	if sig == "" || ts == "" || version == "" {
		return nil, fmt.Errorf("missing signing headers")
	}
	if version != Version {
		return nil, fmt.Errorf("unsupported signature version %q", version)
	}
	if !strings.HasPrefix(sig, signaturePrefix) {
		return nil, fmt.Errorf("malformed signature header")
	}

	timestamp, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed timestamp header")
	}
	return &Envelope{Signature: sig, Timestamp: timestamp, Version: version}, nil
}

// FreshAt reports whether the envelope timestamp is within the window of now.
func (e *Envelope) FreshAt(now time.Time) bool {
	delta := now.Unix() - e.Timestamp
	if delta < 0 {
		delta = -delta
	}
	return delta <= int64(Window/time.Second)
}

// Verify recomputes the MAC over the envelope timestamp and body and compares
// it against the envelope signature in constant time.
func (e *Envelope) Verify(secret string, body []byte) bool {
	expected := Sign(secret, e.Timestamp, body)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(e.Signature)) == 1
}
