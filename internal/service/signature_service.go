package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"deposit-hold-service/pkg/apperror"
)

// DefaultSignatureTolerance bounds the clock skew accepted on webhook timestamps.
const DefaultSignatureTolerance = 5 * time.Minute

// HMACSignatureVerifier implements ports.SignatureVerifier for headers of the
// form "t=<unix>,v1=<hex>[,v1=<hex>]" signed with HMAC-SHA256 over "<t>.<body>".
type HMACSignatureVerifier struct {
	secret    []byte
	tolerance time.Duration
}

// NewHMACSignatureVerifier creates a verifier. A non-positive tolerance uses the default.
func NewHMACSignatureVerifier(secret string, tolerance time.Duration) *HMACSignatureVerifier {
	if tolerance <= 0 {
		tolerance = DefaultSignatureTolerance
	}
	return &HMACSignatureVerifier{secret: []byte(secret), tolerance: tolerance}
}

// Sign computes the lowercase hex HMAC-SHA256 of "<timestamp>.<body>".
func (v *HMACSignatureVerifier) Sign(timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Header builds a signature header for body, as the gateway would send it.
func (v *HMACSignatureVerifier) Header(timestamp int64, body []byte) string {
	return "t=" + strconv.FormatInt(timestamp, 10) + ",v1=" + v.Sign(timestamp, body)
}

// Verify checks the header against body. Any matching v1 signature is accepted
// (the gateway sends several while rotating secrets). Comparison is constant-time.
func (v *HMACSignatureVerifier) Verify(header string, body []byte, now time.Time) error {
	timestamp, signatures, ok := parseSignatureHeader(header)
	if !ok {
		return apperror.ErrInvalidSignature()
	}

	// compare as instants; a Duration between far-apart times saturates
	signedAt := time.Unix(timestamp, 0)
	if signedAt.Before(now.Add(-v.tolerance)) || signedAt.After(now.Add(v.tolerance)) {
		return apperror.ErrTimestampExpired()
	}

	expected := []byte(v.Sign(timestamp, body))
	for _, sig := range signatures {
		if hmac.Equal(expected, []byte(sig)) {
			return nil
		}
	}
	return apperror.ErrInvalidSignature()
}

func parseSignatureHeader(header string) (int64, []string, bool) {
	var (
		timestamp int64
		hasTS     bool
		sigs      []string
	)
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, false
			}
			timestamp, hasTS = ts, true
		case "v1":
			sigs = append(sigs, strings.ToLower(value))
		}
	}
	return timestamp, sigs, hasTS && len(sigs) > 0
}
