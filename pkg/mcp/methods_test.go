// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"encoding/json"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMethods(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want []string
	}{
		{"single object", `{"jsonrpc":"2.0","method":"tools/list","id":1}`, []string{"tools/list"}},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, []string{"notifications/initialized"}},
		{"batch", `[{"method":"ping","id":1},{"method":"tools/call","id":2}]`, []string{"ping", "tools/call"}},
		{"batch duplicates collapse", `[{"method":"ping"},{"method":"ping"}]`, []string{"ping"}},
		{"batch skips non-objects", `[1,"x",null,{"method":"ping"}]`, []string{"ping"}},
		{"batch skips responses", `[{"id":1,"result":{}},{"method":"tools/list"}]`, []string{"tools/list"}},
		{"escaped key", `{"meth\u006fd":"ping"}`, []string{"ping"}},
		{"duplicate method keys", `{"method":"ping","method":"tools/call"}`, []string{"ping", "tools/call"}},
		{"non-string method kept raw", `{"method":42}`, []string{"42"}},
		{"empty string method", `{"method":""}`, []string{}},
		{"null method", `{"method":null}`, []string{}},
		{"null method beside a real one", `{"method":null,"id":1,"Method":"ping"}`, []string{"ping"}},
		{"case variant key", `{"method":"tools/list","Method":"tools/call"}`, []string{"tools/call", "tools/list"}},
		{"upper case key", `{"METHOD":"tools/call"}`, []string{"tools/call"}},
		{"case variant in batch", `[{"method":"ping"},{"mEtHoD":"resources/read"}]`, []string{"ping", "resources/read"}},
		{"similar key ignored", `{"methods":"tools/call","method_":"x"}`, []string{}},
		{"nested method ignored", `{"params":{"method":"ping"}}`, []string{}},
		{"empty body", ``, []string{}},
		{"whitespace", "  \n ", []string{}},
		{"malformed", `{"method":"ping"`, []string{}},
		{"trailing garbage", `{"method":"ping"} x`, []string{}},
		{"scalar", `"ping"`, []string{}},
		{"null", `null`, []string{}},
		{"empty array", `[]`, []string{}},
		{"object without method", `{"id":1}`, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ParseMethods([]byte(tt.body))
			assert.Equal(t, tt.want, got.Sorted())
		})
	}
}

func TestMethodSet_SubsetOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		methods []string
		want    bool
	}{
		{"empty set fails closed", nil, false},
		{"single public", []string{"tools/list"}, true},
		{"all public", []string{"initialize", "notifications/initialized", "tools/list", "prompts/list", "resources/list", "ping"}, true},
		{"one disallowed", []string{"tools/list", "tools/call"}, false},
		{"only disallowed", []string{"resources/read"}, false},
		{"raw non-string", []string{"42"}, false},
		{"empty string", []string{""}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := MethodSet{}
			for _, m := range tt.methods {
				s[m] = struct{}{}
			}
			assert.Equal(t, tt.want, s.SubsetOf(PublicMethods))
		})
	}
}

// Randomized check: for any batch drawn from public and private methods, the set
// classifies as public iff it is non-empty and contains no private method.
func TestParseMethods_BatchProperty(t *testing.T) {
	t.Parallel()

	public := PublicMethods.Sorted()
	private := []string{"tools/call", "resources/read", "prompts/get", "completion/complete", "logging/setLevel"}
	rng := rand.New(rand.NewPCG(1, 2))

	for i := 0; i < 500; i++ {
		n := rng.IntN(6)
		batch := make([]map[string]any, 0, n)
		hasPrivate := false
		for j := 0; j < n; j++ {
			var m string
			if rng.IntN(4) == 0 {
				m = private[rng.IntN(len(private))]
				hasPrivate = true
			} else {
				m = public[rng.IntN(len(public))]
			}
			batch = append(batch, map[string]any{"jsonrpc": "2.0", "method": m, "id": j})
		}

		body, err := json.Marshal(batch)
		require.NoError(t, err)

		got := ParseMethods(body).SubsetOf(PublicMethods)
		assert.Equal(t, n > 0 && !hasPrivate, got, "batch %s", body)
	}
}

func TestMethodSet_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "[ping,tools/list]", MethodSet{"tools/list": {}, "ping": {}}.String())
	assert.Equal(t, "[]", MethodSet{}.String())
}
