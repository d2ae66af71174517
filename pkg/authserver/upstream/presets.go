// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"fmt"
	"maps"
	"slices"
)

// Preset names.
const (
	PresetGoogleCalendar = "google-calendar"
	PresetNotion         = "notion"
)

// NotionAPIVersion is sent as the Notion-Version header on Notion API calls.
const NotionAPIVersion = "2022-06-28"

var presets = map[string]Config{
	PresetGoogleCalendar: {
		ID:                    PresetGoogleCalendar,
		DisplayName:           "Google Calendar",
		AuthorizationEndpoint: "https://accounts.google.com/o/oauth2/auth",
		TokenEndpoint:         "https://oauth2.googleapis.com/token",
		UserInfoEndpoint:      "https://www.googleapis.com/oauth2/v2/userinfo",
		Scopes:                []string{"https://www.googleapis.com/auth/calendar"},
		OnboardExtraScopes:    []string{"openid", "email"},
		// offline + consent makes Google return a refresh token every time.
		AdditionalAuthorizeParams: map[string]string{
			"access_type": "offline",
			"prompt":      "consent",
		},
		IdentitySource:  IdentitySourceUserInfo,
		IdentityFields:  []string{"email"},
		CredentialField: CredentialFieldRefreshToken,
		TokenAuthStyle:  TokenAuthStylePost,
	},
	PresetNotion: {
		ID:                    PresetNotion,
		DisplayName:           "Notion",
		AuthorizationEndpoint: "https://api.notion.com/v1/oauth/authorize",
		TokenEndpoint:         "https://api.notion.com/v1/oauth/token",
		AdditionalAuthorizeParams: map[string]string{
			"owner": "user",
		},
		IdentitySource:   IdentitySourceTokenResponse,
		IdentityFields:   []string{"owner.user.person.email", "owner.user.id"},
		CredentialField:  CredentialFieldAccessToken,
		TokenAuthStyle:   TokenAuthStyleBasic,
		TokenRequestJSON: true,
	},
}

// PresetNames lists the supported presets.
func PresetNames() []string {
	return slices.Sorted(maps.Keys(presets))
}

// Preset returns a copy of the named preset. Client credentials and the
// redirect URI are left for the caller to fill in.
func Preset(name string) (Config, error) {
	cfg, ok := presets[name]
	if !ok {
		return Config{}, fmt.Errorf("unknown provider preset %q (supported: %v)", name, PresetNames())
	}
	cfg.Scopes = slices.Clone(cfg.Scopes)
	cfg.OnboardExtraScopes = slices.Clone(cfg.OnboardExtraScopes)
	cfg.IdentityFields = slices.Clone(cfg.IdentityFields)
	cfg.AdditionalAuthorizeParams = maps.Clone(cfg.AdditionalAuthorizeParams)
	cfg.UserInfoHeaders = maps.Clone(cfg.UserInfoHeaders)
	return cfg, nil
}
