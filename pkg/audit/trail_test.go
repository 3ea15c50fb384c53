package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/accounts/pkg/observability"
)

func int64Ptr(v int64) *int64 { return &v }

func TestRecordDefaultsSubjectToActor(t *testing.T) {
	trail := NewTrail(NewMemoryStore(), nil)
	ctx := context.Background()

	e, err := trail.Record(ctx, int64Ptr(7), ActionLogin, map[string]interface{}{"method": "password"},
		WithActorRole("internal_hr"), WithApplication("hris"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.ID)
	require.NotNil(t, e.SubjectUserID)
	assert.Equal(t, int64(7), *e.SubjectUserID)
	assert.Equal(t, "internal_hr", e.ActorRole)
	assert.Equal(t, "hris", e.Application)
	assert.Equal(t, "password", e.Payload["method"])

	other, err := trail.Record(ctx, int64Ptr(7), ActionRoleAssign, nil, WithSubject(9))
	require.NoError(t, err)
	assert.Equal(t, int64(9), *other.SubjectUserID)

	anon, err := trail.Record(ctx, nil, ActionAccessDenied, nil)
	require.NoError(t, err)
	assert.Nil(t, anon.SubjectUserID)

	_, err = trail.Record(ctx, nil, "  ", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRecordCopiesPayload(t *testing.T) {
	store := NewMemoryStore()
	trail := NewTrail(store, nil)
	payload := map[string]interface{}{"k": "v"}

	_, err := trail.Record(context.Background(), int64Ptr(1), ActionLogin, payload)
	require.NoError(t, err)
	payload["k"] = "changed"

	page, err := trail.Query(context.Background(), 1, 0, "")
	require.NoError(t, err)
	assert.Equal(t, "v", page.Entries[0].Payload["k"])
}

func TestRecordCountsMetrics(t *testing.T) {
	metrics := observability.NewMetrics(nil)
	trail := NewTrail(NewMemoryStore(), nil, WithMetrics(metrics))

	for i := 0; i < 3; i++ {
		_, err := trail.Record(context.Background(), int64Ptr(1), ActionLogin, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.AuditEntriesTotal.WithLabelValues(ActionLogin)))
}

func TestQueryKeysetPagination(t *testing.T) {
	trail := NewTrail(NewMemoryStore(), nil)
	ctx := context.Background()

	for i := 0; i < 45; i++ {
		_, err := trail.Record(ctx, int64Ptr(1), fmt.Sprintf("action.%d", i), nil)
		require.NoError(t, err)
		_, err = trail.Record(ctx, int64Ptr(2), ActionLogin, nil)
		require.NoError(t, err)
	}

	var seen []int64
	cursor := ""
	pages := 0
	for {
		page, err := trail.Query(ctx, 1, 20, cursor)
		require.NoError(t, err)
		pages++
		for _, e := range page.Entries {
			assert.Equal(t, int64(1), *e.SubjectUserID)
			seen = append(seen, e.ID)
		}
		if !page.HasMore {
			assert.Empty(t, page.NextCursor)
			break
		}
		cursor = page.NextCursor
	}

	assert.Equal(t, 3, pages)
	require.Len(t, seen, 45)
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i-1], seen[i], "entries must be strictly newest first")
	}
}

func TestQueryStableUnderConcurrentInserts(t *testing.T) {
	trail := NewTrail(NewMemoryStore(), nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := trail.Record(ctx, int64Ptr(1), ActionLogin, nil)
		require.NoError(t, err)
	}
	first, err := trail.Query(ctx, 1, 5, "")
	require.NoError(t, err)

	_, err = trail.Record(ctx, int64Ptr(1), ActionLogout, nil)
	require.NoError(t, err)

	second, err := trail.Query(ctx, 1, 5, first.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, first.Entries[4].ID-1, second.Entries[0].ID)
}

func TestQueryPageSizeClamp(t *testing.T) {
	assert.Equal(t, DefaultPageSize, ClampPageSize(0))
	assert.Equal(t, DefaultPageSize, ClampPageSize(-5))
	assert.Equal(t, 1, ClampPageSize(1))
	assert.Equal(t, MaxPageSize, ClampPageSize(1000))
}

func TestQueryRejectsBadCursor(t *testing.T) {
	trail := NewTrail(NewMemoryStore(), nil)

	_, err := trail.Query(context.Background(), 1, 10, "%%%")
	assert.ErrorIs(t, err, ErrInvalidCursor)
	_, err = trail.Query(context.Background(), 1, 10, "Zm9v")
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

func TestCursorRoundTrip(t *testing.T) {
	id, err := DecodeCursor(EncodeCursor(12345))
	require.NoError(t, err)
	assert.Equal(t, int64(12345), id)
}

func TestConsolidate(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	actions := []string{ActionLogin, ActionLogin, ActionLogin, "profile_update", ActionLogin}

	// newest first, as Query returns them
	var entries []*Entry
	for i, action := range actions {
		id := int64(len(actions) - i)
		entries = append(entries, &Entry{ID: id, Action: action, Timestamp: base.Add(time.Duration(id) * time.Minute)})
	}

	got := Consolidate(entries)
	require.Len(t, got, 3)
	assert.Equal(t, ActionLogin, got[0].Action)
	assert.Equal(t, 3, got[0].Count)
	assert.Equal(t, int64(5), got[0].ID, "run keeps its most recent entry")
	assert.Equal(t, "profile_update", got[1].Action)
	assert.Equal(t, 1, got[1].Count)
	assert.Equal(t, ActionLogin, got[2].Action)
	assert.Equal(t, 1, got[2].Count)

	assert.Empty(t, Consolidate(nil))
}
