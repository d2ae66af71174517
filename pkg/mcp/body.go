// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// DefaultMaxBodyBytes bounds how much of a request body is held in memory.
const DefaultMaxBodyBytes int64 = 4 << 20

var (
	// ErrClientDisconnected is returned when the body could not be drained
	// because the client went away or the request was cancelled.
	ErrClientDisconnected = errors.New("client disconnected while reading request body")

	// ErrBodyTooLarge is returned when the body exceeds the configured limit.
	ErrBodyTooLarge = errors.New("request body too large")
)

// BufferedBody is a request body that has been fully drained into memory.
// It can be replayed any number of times.
type BufferedBody struct {
	data []byte
}

// BufferRequestBody drains r.Body exactly once. A nil or empty body yields an
// empty BufferedBody. limit <= 0 means DefaultMaxBodyBytes.
//
// The original body is closed. Callers must use Replay to hand the request on.
func BufferRequestBody(r *http.Request, limit int64) (*BufferedBody, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return &BufferedBody{data: []byte{}}, nil
	}
	defer func() { _ = r.Body.Close() }()

	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}

	var buf bytes.Buffer
	if r.ContentLength > 0 && r.ContentLength <= limit {
		buf.Grow(int(r.ContentLength))
	}

	n, err := buf.ReadFrom(io.LimitReader(r.Body, limit+1))
	if err != nil {
		if ctxErr := r.Context().Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrClientDisconnected, ctxErr)
		}
		return nil, fmt.Errorf("%w: %w", ErrClientDisconnected, err)
	}
	if n > limit {
		return nil, ErrBodyTooLarge
	}
	// A cancelled request can still hand back a clean EOF on some transports.
	if ctxErr := r.Context().Err(); ctxErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrClientDisconnected, ctxErr)
	}

	return &BufferedBody{data: buf.Bytes()}, nil
}

// Bytes returns the buffered bytes. The slice must not be modified.
func (b *BufferedBody) Bytes() []byte {
	return b.data
}

// Len returns the body length.
func (b *BufferedBody) Len() int {
	return len(b.data)
}

// NewReader returns an independent reader over the full body.
func (b *BufferedBody) NewReader() io.ReadCloser {
	return io.NopCloser(bytes.NewReader(b.data))
}

// Replay returns a shallow copy of r whose body yields the buffered bytes in
// a single read followed by EOF.
func (b *BufferedBody) Replay(r *http.Request) *http.Request {
	out := r.Clone(r.Context())
	out.ContentLength = int64(len(b.data))
	if len(b.data) == 0 {
		out.Body = http.NoBody
		out.GetBody = func() (io.ReadCloser, error) { return http.NoBody, nil }
		return out
	}
	out.Body = b.NewReader()
	out.GetBody = func() (io.ReadCloser, error) { return b.NewReader(), nil }
	return out
}
