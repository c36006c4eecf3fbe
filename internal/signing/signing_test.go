package signing

import (
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
)

const testSecret = "8f42a3b1c09d5e67f8a9b0c1d2e3f4a5b6c7d8e9f0a1b2c3d4e5f6a7b8c9d0e1"

func headers(sig string, ts int64, version string) func(string) string {
	h := http.Header{}
	if sig != "" {
		h.Set(HeaderSignature, sig)
	}
	if ts != 0 {
		h.Set(HeaderTimestamp, fmt.Sprint(ts))
	}
	if version != "" {
		h.Set(HeaderVersion, version)
	}
	return h.Get
}

func TestSignVerifyRoundTrip(t *testing.T) {
	body := []byte(`{"tenant_id":"abc","message":"hello"}`)
	now := time.Now()
	sig := Sign(testSecret, now.Unix(), body)

	env, err := ParseEnvelope(headers(sig, now.Unix(), Version))
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if !env.FreshAt(now) {
		t.Error("fresh envelope reported stale")
	}
	if !env.Verify(testSecret, body) {
		t.Error("valid signature rejected")
	}
}

func TestSignFormat(t *testing.T) {
	sig := Sign(testSecret, 1700000000, []byte("body"))
	if !strings.HasPrefix(sig, "hmac-sha256=") {
		t.Errorf("signature %q missing scheme prefix", sig)
	}
	hexPart := strings.TrimPrefix(sig, "hmac-sha256=")
	if len(hexPart) != 64 {
		t.Errorf("hex digest length = %d, want 64", len(hexPart))
	}
	if hexPart != strings.ToLower(hexPart) {
		t.Error("digest is not lowercase hex")
	}
}

func TestParseEnvelopeRejectsMissingHeaders(t *testing.T) {
	now := time.Now().Unix()
	sig := Sign(testSecret, now, nil)

	cases := []struct {
		name string
		get  func(string) string
	}{
		{"no signature", headers("", now, Version)},
		{"no timestamp", headers(sig, 0, Version)},
		{"no version", headers(sig, now, "")},
		{"wrong version", headers(sig, now, "v2")},
		{"bad scheme", headers("md5=abcdef", now, Version)},
	}
	for _, tc := range cases {
		if _, err := ParseEnvelope(tc.get); err == nil {
			t.Errorf("%s: ParseEnvelope succeeded", tc.name)
		}
	}
}

func TestParseEnvelopeRejectsBadTimestamp(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderSignature, "hmac-sha256=00")
	h.Set(HeaderTimestamp, "not-a-number")
	h.Set(HeaderVersion, Version)
	if _, err := ParseEnvelope(h.Get); err == nil {
		t.Error("ParseEnvelope accepted non-integer timestamp")
	}
}

func TestFreshnessWindow(t *testing.T) {
	base := time.Unix(1700000000, 0)

	cases := []struct {
		offset time.Duration
		fresh  bool
	}{
		{0, true},
		{60 * time.Second, true},
		{-60 * time.Second, true},
		{300 * time.Second, true},
		{-300 * time.Second, true},
		{301 * time.Second, false},
		{-301 * time.Second, false},
		{400 * time.Second, false},
	}
	for _, tc := range cases {
		env := &Envelope{Timestamp: base.Unix()}
		if got := env.FreshAt(base.Add(tc.offset)); got != tc.fresh {
			t.Errorf("offset %s: fresh = %v, want %v", tc.offset, got, tc.fresh)
		}
	}
}

func TestVerifyRejectsMutations(t *testing.T) {
	body := []byte(`{"message":"original"}`)
	ts := time.Now().Unix()
	sig := Sign(testSecret, ts, body)
	env := &Envelope{Signature: sig, Timestamp: ts, Version: Version}

	if !env.Verify(testSecret, body) {
		t.Fatal("baseline verification failed")
	}

	// Flipped signature bit.
	flipped := []byte(sig)
	flipped[len(flipped)-1] ^= 0x01
	if (&Envelope{Signature: string(flipped), Timestamp: ts}).Verify(testSecret, body) {
		t.Error("accepted bit-flipped signature")
	}

	// Mutated body.
	if env.Verify(testSecret, []byte(`{"message":"tampered"}`)) {
		t.Error("accepted mutated body")
	}

	// Shifted timestamp re-binds the signature.
	if (&Envelope{Signature: sig, Timestamp: ts + 1}).Verify(testSecret, body) {
		t.Error("accepted signature under different timestamp")
	}

	// Wrong secret.
	if env.Verify("other-secret", body) {
		t.Error("accepted signature under wrong secret")
	}
}

func TestVerifyTimingIndependence(t *testing.T) {
	// Timing independence rests on subtle.ConstantTimeCompare in Verify; no
	// wall-clock time is measured here. This checks that same-length forgeries
	// differing at the first and at the last hex digit are both rejected.
	body := []byte("payload")
	ts := time.Now().Unix()
	good := Sign(testSecret, ts, body)

	early := []byte(good)
	early[len(signaturePrefix)] ^= 0x01 // first hex digit
	late := []byte(good)
	late[len(late)-1] ^= 0x01 // last hex digit

	for _, forged := range [][]byte{early, late} {
		env := &Envelope{Signature: string(forged), Timestamp: ts}
		if env.Verify(testSecret, body) {
			t.Error("forged signature accepted")
		}
	}
}
