// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package mcp inspects MCP JSON-RPC traffic ahead of the protocol engine.
package mcp

import (
	"slices"
	"strings"

	"github.com/tidwall/gjson"
)

// JSON-RPC methods that only negotiate or describe capabilities.
const (
	MethodInitialize    = "initialize"
	MethodInitialized   = "notifications/initialized"
	MethodToolsList     = "tools/list"
	MethodPromptsList   = "prompts/list"
	MethodResourcesList = "resources/list"
	MethodPing          = "ping"
)

// PublicMethods are the methods that may be served without a credential.
var PublicMethods = MethodSet{
	MethodInitialize:    {},
	MethodInitialized:   {},
	MethodToolsList:     {},
	MethodPromptsList:   {},
	MethodResourcesList: {},
	MethodPing:          {},
}

// MethodSet is an unordered set of JSON-RPC method names.
type MethodSet map[string]struct{}

// Sorted returns the members in lexical order.
func (s MethodSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for m := range s {
		out = append(out, m)
	}
	slices.Sort(out)
	return out
}

// String renders the set for logs.
func (s MethodSet) String() string {
	return "[" + strings.Join(s.Sorted(), ",") + "]"
}

// SubsetOf reports whether s is non-empty and every member is in allowed.
// An empty set is never a subset: it means the request could not be classified.
func (s MethodSet) SubsetOf(allowed MethodSet) bool {
	if len(s) == 0 {
		return false
	}
	for m := range s {
		if _, ok := allowed[m]; !ok {
			return false
		}
	}
	return true
}

// ParseMethods returns the set of method names in a JSON-RPC body, which may be a
// single object or a batch array. Invalid JSON, a scalar top level, or no method
// fields yield an empty set.
//
// Every member whose key equals "method" under Unicode case folding is
// collected, duplicates included, since the protocol engine decodes keys
// case-insensitively and the last duplicate wins. Non-string values are kept
// as their raw JSON text so they can never match a known method name. Null
// and empty-string values count as no method.
func ParseMethods(body []byte) MethodSet {
	methods := MethodSet{}
	if !gjson.ValidBytes(body) {
		return methods
	}

	doc := gjson.ParseBytes(body)
	switch {
	case doc.IsObject():
		collectMethods(doc, methods)
	case doc.IsArray():
		doc.ForEach(func(_, elem gjson.Result) bool {
			if elem.IsObject() {
				collectMethods(elem, methods)
			}
			return true
		})
	}
	return methods
}

func collectMethods(obj gjson.Result, into MethodSet) {
	obj.ForEach(func(key, value gjson.Result) bool {
		if !strings.EqualFold(key.String(), "method") {
			return true
		}
		switch {
		case value.Type == gjson.Null:
		case value.Type == gjson.String:
			if m := value.String(); m != "" {
				into[m] = struct{}{}
			}
		default:
			into[value.Raw] = struct{}{}
		}
		return true
	})
}
