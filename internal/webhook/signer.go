package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries "t=<unix_ts>,v1=<hex hmac>"
const SignatureHeader = "X402-Signature"

// EventIDHeader carries the event id so receivers can deduplicate
const EventIDHeader = "X402-Event-Id"

// DefaultTolerance is the accepted clock skew between signer and verifier
const DefaultTolerance = 5 * time.Minute

var (
	ErrInvalidTimestamp       = errors.New("invalid timestamp")
	ErrTimestampOutsideWindow = errors.New("timestamp outside allowed window")
	ErrInvalidSignature       = errors.New("invalid signature")
)

// ComputeSignature returns hex(HMAC-SHA256(secret, "<ts>.<body>"))
func ComputeSignature(secret string, timestamp int64, body []byte) string {
	ts := strconv.FormatInt(timestamp, 10)
	msg := make([]byte, 0, len(ts)+1+len(body))
	msg = append(msg, ts...)
	msg = append(msg, '.')
	msg = append(msg, body...)

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign builds the signature header value for body at time now
func Sign(secret string, now time.Time, body []byte) string {
	ts := now.Unix()
	return "t=" + strconv.FormatInt(ts, 10) + ",v1=" + ComputeSignature(secret, ts, body)
}

// Verify checks a signature header against body. Any v1 entry may match,
// which lets senders roll secrets.
func Verify(secret, header string, body []byte, now time.Time, tolerance time.Duration) error {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	var tsRaw string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			tsRaw = v
		case "v1":
			sigs = append(sigs, v)
		}
	}

	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}
	signedAt := time.Unix(ts, 0).UTC()
	now = now.UTC()
	if signedAt.Before(now.Add(-tolerance)) || signedAt.After(now.Add(tolerance)) {
		return ErrTimestampOutsideWindow
	}

	expected, _ := hex.DecodeString(ComputeSignature(secret, ts, body))
	for _, sig := range sigs {
		provided, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(provided, expected) {
			return nil
		}
	}
	return ErrInvalidSignature
}
