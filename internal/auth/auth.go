// Package auth resolves API keys to callers and their roles.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"slices"
	"strings"
)

const (
	// RoleChat may ask questions and read the schema description.
	RoleChat = "chat"
	// RoleDebug may inspect grounding matches.
	RoleDebug = "debug"
)

var knownRoles = []string{RoleChat, RoleDebug}

type Identity struct {
	Client string
	Roles  []string
}

func (i Identity) HasRole(role string) bool {
	return slices.Contains(i.Roles, role)
}

type APIKeyValidator interface {
	Validate(ctx context.Context, apiKey string) (Identity, bool)
}

// StaticAPIKeyValidator keeps only sha256 digests of the configured keys.
type StaticAPIKeyValidator struct {
	entries []keyEntry
}

type keyEntry struct {
	digest   [sha256.Size]byte
	identity Identity
}

// NewStaticAPIKeyValidator parses comma separated key:client:role|role entries. Roles must be chat or debug.
func NewStaticAPIKeyValidator(raw string) (*StaticAPIKeyValidator, error) {
	validator := &StaticAPIKeyValidator{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return validator, nil
	}

	seen := map[[sha256.Size]byte]bool{}
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		key, rest, ok := strings.Cut(item, ":")
		client, roleList, ok2 := strings.Cut(rest, ":")
		if !ok || !ok2 || strings.Contains(roleList, ":") {
			return nil, fmt.Errorf("api key entry %q: want key:client:role|role", redact(item))
		}
		key, client = strings.TrimSpace(key), strings.TrimSpace(client)
		if key == "" || client == "" {
			return nil, fmt.Errorf("api key entry %q: key and client are required", redact(item))
		}
		digest := sha256.Sum256([]byte(key))
		if seen[digest] {
			return nil, fmt.Errorf("api key for client %q is configured twice", client)
		}
		seen[digest] = true

		var roles []string
		for _, role := range strings.Split(roleList, "|") {
			role = strings.ToLower(strings.TrimSpace(role))
			if role == "" || slices.Contains(roles, role) {
				continue
			}
			if !slices.Contains(knownRoles, role) {
				return nil, fmt.Errorf("api key for client %q: unknown role %q", client, role)
			}
			roles = append(roles, role)
		}
		if len(roles) == 0 {
			return nil, fmt.Errorf("api key for client %q has no roles", client)
		}
		slices.Sort(roles)
		validator.entries = append(validator.entries, keyEntry{digest: digest, identity: Identity{Client: client, Roles: roles}})
	}
	return validator, nil
}

// Validate compares against every entry so timing does not depend on which key matched.
func (v *StaticAPIKeyValidator) Validate(_ context.Context, apiKey string) (Identity, bool) {
	digest := sha256.Sum256([]byte(apiKey))
	var (
		found Identity
		ok    bool
	)
	for _, entry := range v.entries {
		if subtle.ConstantTimeCompare(digest[:], entry.digest[:]) == 1 {
			found, ok = entry.identity, true
		}
	}
	return found, ok
}

func (v *StaticAPIKeyValidator) Len() int {
	return len(v.entries)
}

// redact keeps malformed entries out of error messages beyond their first characters.
func redact(item string) string {
	if len(item) <= 4 {
		return "****"
	}
	return item[:4] + "****"
}
