package audit

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Actions recorded by the accounts service
const (
	// Authentication
	ActionLogin            = "auth.login"
	ActionLoginFailed      = "auth.login_failed"
	ActionLogout           = "auth.logout"
	ActionTokenRefresh     = "auth.token_refresh"
	ActionServiceToken     = "auth.service_token"
	ActionProviderExchange = "auth.provider_exchange"

	// Authorization
	ActionAccessDenied = "authz.access_denied"
	ActionRoleAssign   = "authz.role_assign"
	ActionRoleUpdate   = "authz.role_update"
	ActionRoleRevoke   = "authz.role_revoke"

	// Identity
	ActionEmailLink    = "identity.email_link"
	ActionEmailUnlink  = "identity.email_unlink"
	ActionEmailPrimary = "identity.email_primary"
	ActionEmailVerify  = "identity.email_verify"
)

var (
	ErrInvalidInput  = errors.New("audit: invalid input")
	ErrInvalidCursor = errors.New("audit: invalid cursor")
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Entry is one immutable audit record
type Entry struct {
	ID            int64                  `json:"id"`
	Timestamp     time.Time              `json:"timestamp"`
	Action        string                 `json:"action"`
	ActorUserID   *int64                 `json:"actor_user_id,omitempty"`
	SubjectUserID *int64                 `json:"subject_user_id,omitempty"`
	ActorRole     string                 `json:"actor_role,omitempty"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	Application   string                 `json:"application,omitempty"`
}

// ConsolidatedEntry is a run of consecutive entries with the same action,
// represented by its most recent entry
type ConsolidatedEntry struct {
	Entry
	Count int `json:"count"`
}

// Page is one keyset page, newest first
type Page struct {
	Entries    []*Entry `json:"entries"`
	NextCursor string   `json:"next_cursor,omitempty"`
	HasMore    bool     `json:"has_more"`
}

// ClampPageSize applies the default and upper bound
func ClampPageSize(n int) int {
	switch {
	case n <= 0:
		return DefaultPageSize
	case n > MaxPageSize:
		return MaxPageSize
	}
	return n
}

// EncodeCursor turns the last seen id into an opaque cursor
func EncodeCursor(id int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte("a:" + strconv.FormatInt(id, 10)))
}

// DecodeCursor reverses EncodeCursor. An empty cursor means the first page.
func DecodeCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil || len(raw) < 3 || string(raw[:2]) != "a:" {
		return 0, ErrInvalidCursor
	}
	id, err := strconv.ParseInt(string(raw[2:]), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCursor, cursor)
	}
	return id, nil
}

// Consolidate collapses immediately consecutive entries with the same
// action. Non-adjacent repeats stay separate and order is preserved.
func Consolidate(entries []*Entry) []ConsolidatedEntry {
	var out []ConsolidatedEntry
	for _, e := range entries {
		if n := len(out); n > 0 && out[n-1].Action == e.Action {
			out[n-1].Count++
			if e.ID > out[n-1].ID {
				out[n-1].Entry = *e
			}
			continue
		}
		out = append(out, ConsolidatedEntry{Entry: *e, Count: 1})
	}
	return out
}
