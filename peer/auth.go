package peer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	headerCaller    = "X-Peer-Caller"
	headerTimestamp = "X-Peer-Timestamp"
	headerSignature = "X-Peer-Signature"
	maxBodyForSig   = 1 << 20 // 1 MiB
)

// signRequest signs an outbound request body with computeSignature, the same
// helper verifyRequest below uses to check it: timestamp, method, canonical
// path and body, all HMACed under the shared secret for the target peer.
func signRequest(req *http.Request, caller, secret string, body []byte, now time.Time) {
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := computeSignature(secret, ts, req.Method, canonicalRequestPath(req), body)
	req.Header.Set(headerCaller, caller)
	req.Header.Set(headerTimestamp, ts)
	req.Header.Set(headerSignature, sig)
}

// verifyRequest authenticates an inbound request against the caller's
// registered secret, returning the validated caller string.
func verifyRequest(r *http.Request, body []byte, secretFor func(caller string) (string, bool), skew time.Duration, now time.Time) (string, error) {
	if len(body) > maxBodyForSig {
		return "", fmt.Errorf("peer: request body exceeds %d bytes", maxBodyForSig)
	}
	caller := strings.TrimSpace(r.Header.Get(headerCaller))
	if caller == "" {
		return "", errors.New("peer: missing caller header")
	}
	secret, ok := secretFor(caller)
	if !ok {
		return "", errors.New("peer: unknown caller")
	}
	tsHeader := strings.TrimSpace(r.Header.Get(headerTimestamp))
	if tsHeader == "" {
		return "", errors.New("peer: missing timestamp header")
	}
	unix, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return "", fmt.Errorf("peer: invalid timestamp: %w", err)
	}
	ts := time.Unix(unix, 0).UTC()
	if delta := now.Sub(ts); delta > skew || delta < -skew {
		return "", fmt.Errorf("peer: timestamp outside allowed skew of %s", skew)
	}
	provided := strings.TrimSpace(r.Header.Get(headerSignature))
	if provided == "" {
		return "", errors.New("peer: missing signature header")
	}
	expected := computeSignature(secret, tsHeader, r.Method, canonicalRequestPath(r), body)
	if !hmac.Equal([]byte(strings.ToLower(provided)), []byte(expected)) {
		return "", errors.New("peer: invalid signature")
	}
	return caller, nil
}

func canonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + canonicalQuery(r.URL.RawQuery)
	}
	return path
}

func canonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

func computeSignature(secret, timestamp, method, path string, body []byte) string {
	payload := strings.Join([]string{timestamp, strings.ToUpper(method), path, string(body)}, "\n")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
