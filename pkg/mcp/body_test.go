// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkedReader hands out its chunks one Read at a time, then err (io.EOF by default).
type chunkedReader struct {
	chunks [][]byte
	err    error
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if len(c.chunks) == 0 {
		if c.err != nil {
			return 0, c.err
		}
		return 0, io.EOF
	}
	n := copy(p, c.chunks[0])
	if n < len(c.chunks[0]) {
		c.chunks[0] = c.chunks[0][n:]
	} else {
		c.chunks = c.chunks[1:]
	}
	return n, nil
}

func (*chunkedReader) Close() error { return nil }

func TestBufferRequestBody_ReplaysByteIdentical(t *testing.T) {
	t.Parallel()

	payload := []byte(`[{"jsonrpc":"2.0","method":"ping","id":1},{"jsonrpc":"2.0","method":"tools/list","id":2}]`)
	chunkings := map[string][][]byte{
		"single":    {payload},
		"bytewise":  splitEvery(payload, 1),
		"uneven":    {payload[:3], payload[3:40], payload[40:41], payload[41:]},
		"sevenths":  splitEvery(payload, 7),
		"with-gaps": {payload[:10], {}, payload[10:]},
	}

	for name, chunks := range chunkings {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
			req.Body = &chunkedReader{chunks: chunks}

			buffered, err := BufferRequestBody(req, 0)
			require.NoError(t, err)
			assert.Equal(t, payload, buffered.Bytes())

			replayed := buffered.Replay(req)
			assert.Equal(t, int64(len(payload)), replayed.ContentLength)

			// One read returns everything, the next signals end of body.
			p := make([]byte, len(payload)+16)
			n, err := replayed.Body.Read(p)
			require.NoError(t, err)
			assert.Equal(t, payload, p[:n])
			_, err = replayed.Body.Read(p)
			assert.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestBufferRequestBody_MultipleReaders(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"method":"ping"}`))
	buffered, err := BufferRequestBody(req, 0)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		got, err := io.ReadAll(buffered.NewReader())
		require.NoError(t, err)
		assert.Equal(t, `{"method":"ping"}`, string(got))
	}

	replayed := buffered.Replay(req)
	require.NotNil(t, replayed.GetBody)
	again, err := replayed.GetBody()
	require.NoError(t, err)
	got, err := io.ReadAll(again)
	require.NoError(t, err)
	assert.Equal(t, `{"method":"ping"}`, string(got))
}

func TestBufferRequestBody_Empty(t *testing.T) {
	t.Parallel()

	for name, body := range map[string]io.ReadCloser{
		"nil":    nil,
		"NoBody": http.NoBody,
		"zero":   io.NopCloser(bytes.NewReader(nil)),
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
			req.Body = body

			buffered, err := BufferRequestBody(req, 0)
			require.NoError(t, err)
			assert.Equal(t, 0, buffered.Len())

			replayed := buffered.Replay(req)
			got, err := io.ReadAll(replayed.Body)
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestBufferRequestBody_ClientDisconnect(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Body = &chunkedReader{chunks: [][]byte{[]byte(`{"method":`)}, err: io.ErrUnexpectedEOF}

	buffered, err := BufferRequestBody(req, 0)
	assert.Nil(t, buffered)
	assert.ErrorIs(t, err, ErrClientDisconnected)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestBufferRequestBody_CancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"method":"ping"}`)).WithContext(ctx)

	_, err := BufferRequestBody(req, 0)
	assert.ErrorIs(t, err, ErrClientDisconnected)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBufferRequestBody_Limit(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(strings.Repeat("a", 11)))
	_, err := BufferRequestBody(req, 10)
	assert.ErrorIs(t, err, ErrBodyTooLarge)

	req = httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(strings.Repeat("a", 10)))
	buffered, err := BufferRequestBody(req, 10)
	require.NoError(t, err)
	assert.Equal(t, 10, buffered.Len())
}

func splitEvery(b []byte, n int) [][]byte {
	var out [][]byte
	for len(b) > n {
		out = append(out, b[:n])
		b = b[n:]
	}
	return append(out, b)
}
