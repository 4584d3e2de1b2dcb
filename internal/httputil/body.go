// Package httputil provides helpers for handling upstream HTTP bodies safely.
package httputil

import (
	"errors"
	"io"
)

const (
	// MaxErrorBodyBytes caps how much of an upstream error response is read
	// for classification. Error envelopes are tiny; anything beyond the cap
	// is discarded.
	MaxErrorBodyBytes int64 = 64 * 1024

	// drainLimit bounds how much of an abandoned body is consumed before
	// closing, so the underlying connection stays reusable without letting a
	// hostile upstream stream forever.
	drainLimit int64 = 256 * 1024
)

var ErrBodyTooLarge = errors.New("response body too large")

// ReadLimited reads up to maxBytes from reader and returns ErrBodyTooLarge
// when the body exceeds it. The truncated prefix is returned either way.
func ReadLimited(reader io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return io.ReadAll(reader)
	}

	limited := io.LimitReader(reader, maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return body, err
	}
	if int64(len(body)) > maxBytes {
		return body[:int(maxBytes)], ErrBodyTooLarge
	}
	return body, nil
}

// CaptureErrorBody reads an error response body for classification and closes
// it. Oversized bodies are truncated at MaxErrorBodyBytes and read errors
// yield whatever prefix arrived; classification is best-effort on a response
// that already failed.
func CaptureErrorBody(rc io.ReadCloser) []byte {
	defer DrainAndClose(rc)
	body, _ := ReadLimited(rc, MaxErrorBodyBytes)
	return body
}

// DrainAndClose discards what remains of a body and closes it. Use it when
// abandoning a response before retrying, so keep-alive connections return to
// the pool.
func DrainAndClose(rc io.ReadCloser) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, drainLimit))
	_ = rc.Close()
}
