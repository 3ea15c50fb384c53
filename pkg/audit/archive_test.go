package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	failOn  int
	calls   int
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: make(map[string][]byte)}
}

func (b *fakeBucket) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls++
	if b.failOn > 0 && b.calls == b.failOn {
		return nil, errors.New("bucket unavailable")
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	b.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func seedTrail(t *testing.T, store Store, n int) {
	t.Helper()
	trail := NewTrail(store, nil)
	for i := 0; i < n; i++ {
		_, err := trail.Record(context.Background(), int64Ptr(1), ActionLogin, map[string]interface{}{"i": i})
		require.NoError(t, err)
	}
}

// later is a clock past the settle window of anything recorded so far
func later() time.Time {
	return time.Now().Add(time.Hour)
}

// uncommittedStore hides entries whose insert has not committed yet
type uncommittedStore struct {
	*MemoryStore
	mu      sync.Mutex
	pending map[int64]bool
}

func (s *uncommittedStore) commit(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}

func (s *uncommittedStore) ListAfter(ctx context.Context, afterID int64, limit int) ([]*Entry, error) {
	entries, err := s.MemoryStore.ListAfter(ctx, afterID, limit)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	visible := entries[:0]
	for _, e := range entries {
		if !s.pending[e.ID] {
			visible = append(visible, e)
		}
	}
	return visible, nil
}

func countLines(t *testing.T, data []byte) int {
	t.Helper()
	n := 0
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		n++
	}
	return n
}

func TestArchiverExportsBatchesAndCheckpoints(t *testing.T) {
	store := NewMemoryStore()
	seedTrail(t, store, 25)
	bucket := newFakeBucket()
	archiver := NewArchiver(store, bucket, ArchiveConfig{Bucket: "audit", Prefix: "/exports/", BatchSize: 10}, nil, nil)
	archiver.now = later

	n, err := archiver.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 25, n)
	assert.Len(t, bucket.objects, 3)

	total := 0
	for key, data := range bucket.objects {
		assert.Contains(t, key, "exports/")
		total += countLines(t, data)
	}
	assert.Equal(t, 25, total)

	cp, err := store.GetCheckpoint(context.Background(), archiveCheckpoint)
	require.NoError(t, err)
	assert.Equal(t, int64(25), cp)

	// nothing new
	n, err = archiver.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	seedTrail(t, store, 2)
	n, err = archiver.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestArchiverStopsAtFailedUpload(t *testing.T) {
	store := NewMemoryStore()
	seedTrail(t, store, 25)
	bucket := newFakeBucket()
	bucket.failOn = 2
	archiver := NewArchiver(store, bucket, ArchiveConfig{Bucket: "audit", BatchSize: 10}, nil, nil)
	archiver.now = later

	n, err := archiver.Run(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 10, n)

	cp, err := store.GetCheckpoint(context.Background(), archiveCheckpoint)
	require.NoError(t, err)
	assert.Equal(t, int64(10), cp)

	// retry resumes after the last good batch
	n, err = archiver.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 15, n)
}

func TestArchiverWaitsForEntriesToSettle(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := &uncommittedStore{MemoryStore: NewMemoryStore(), pending: map[int64]bool{}}
	for _, at := range []time.Time{now.Add(-10 * time.Minute), now.Add(-5 * time.Second), now.Add(-time.Second)} {
		require.NoError(t, store.Append(ctx, &Entry{Timestamp: at, Action: ActionLogin}))
	}
	// entry 2 took its id but has not committed
	store.pending[2] = true

	bucket := newFakeBucket()
	archiver := NewArchiver(store, bucket, ArchiveConfig{Bucket: "audit", BatchSize: 10, SettleWindow: time.Minute}, nil, nil)
	archiver.now = func() time.Time { return now }

	n, err := archiver.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	cp, err := store.GetCheckpoint(ctx, archiveCheckpoint)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cp)

	store.commit(2)
	archiver.now = func() time.Time { return now.Add(2 * time.Minute) }
	n, err = archiver.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	cp, err = store.GetCheckpoint(ctx, archiveCheckpoint)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cp)

	total := 0
	for _, data := range bucket.objects {
		total += countLines(t, data)
	}
	assert.Equal(t, 3, total)
}

func TestArchiveConfigEnabled(t *testing.T) {
	assert.False(t, ArchiveConfig{}.Enabled())
	assert.True(t, ArchiveConfig{Bucket: "b"}.Enabled())
}
