package queue

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deemkeen/stegofed/domain"
)

func record(body string) *domain.QueuedActivity {
	return &domain.QueuedActivity{
		Nickname:   "alice",
		Path:       "/users/alice/inbox",
		Body:       []byte(body),
		Activity:   []byte(body),
		Original:   []byte(body),
		Headers:    map[string]string{"Host": "local.example"},
		ReceivedAt: time.Now().UTC(),
	}
}

func TestEnqueuePeekRemove(t *testing.T) {
	q, err := Open(t.TempDir(), 10, nil)
	require.NoError(t, err)

	id, err := q.Enqueue(record(`{"n":1}`), "remote.example")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(id, "_remote.example"))
	assert.Equal(t, 1, q.Len())

	select {
	case <-q.Notify():
	default:
		t.Fatal("expected a notification after enqueue")
	}

	rec, err := q.Peek()
	require.NoError(t, err)
	assert.Equal(t, id, rec.Id)
	assert.Equal(t, `{"n":1}`, string(rec.Body))
	assert.Equal(t, "local.example", rec.Headers["Host"])

	require.NoError(t, q.Remove(id))
	assert.Equal(t, 0, q.Len())
	_, err = os.Stat(filepath.Join(q.dir, id+fileExt))
	assert.True(t, os.IsNotExist(err))

	_, err = q.Peek()
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, q.Remove(id), "removing twice is not an error")
}

func TestRecordFileLayout(t *testing.T) {
	q, err := Open(t.TempDir(), 10, nil)
	require.NoError(t, err)

	id, err := q.Enqueue(record(`{"n":1}`), "remote.example")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^\d{20}_[0-9a-v]{20}_remote\.example$`), id)

	data, err := os.ReadFile(filepath.Join(q.dir, id+fileExt))
	require.NoError(t, err)
	var stored map[string]any
	require.NoError(t, json.Unmarshal(data, &stored))
	assert.Equal(t, map[string]any{"n": float64(1)}, stored["activity"], "activity is embedded as JSON, not bytes")
	assert.Equal(t, "/users/alice/inbox", stored["path"])
}

func TestIdsSortInArrivalOrder(t *testing.T) {
	q, err := Open(t.TempDir(), 100, nil)
	require.NoError(t, err)

	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return fixed }

	var ids []string
	for _, dom := range []string{"z.example", "a.example", "m.example"} {
		id, err := q.Enqueue(record("{}"), dom)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.True(t, ids[0] < ids[1] && ids[1] < ids[2], "ids must sort by arrival even with a frozen clock: %v", ids)
	assert.Equal(t, ids, q.Ids())
}

func TestEnqueueRefusesWhenFull(t *testing.T) {
	q, err := Open(t.TempDir(), 2, nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := q.Enqueue(record("{}"), "remote.example")
		require.NoError(t, err)
	}
	assert.True(t, q.Full())

	_, err = q.Enqueue(record("{}"), "remote.example")
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, q.Len())
}

func TestConcurrentEnqueueNeverExceedsMax(t *testing.T) {
	q, err := Open(t.TempDir(), 5, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Enqueue(record("{}"), "remote.example")
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, q.Len())
	entries, err := os.ReadDir(q.dir)
	require.NoError(t, err)
	assert.Len(t, entries, 5)
}

func TestClear(t *testing.T) {
	q, err := Open(t.TempDir(), 10, nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(record("{}"), "remote.example")
		require.NoError(t, err)
	}

	dropped, err := q.Clear()
	require.NoError(t, err)
	assert.Equal(t, 3, dropped)
	assert.Equal(t, 0, q.Len())

	entries, err := os.ReadDir(q.dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOpenRecoversExistingRecords(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(dir, 10, nil)
	require.NoError(t, err)
	first, err := q.Enqueue(record(`{"n":1}`), "a.example")
	require.NoError(t, err)
	_, err = q.Enqueue(record(`{"n":2}`), "b.example")
	require.NoError(t, err)

	// leftovers that are not records are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".tmp123"), []byte("x"), 0o644))

	reopened, err := Open(dir, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, reopened.Len())

	rec, err := reopened.Peek()
	require.NoError(t, err)
	assert.Equal(t, first, rec.Id)
}

func TestPeekDropsCorruptRecord(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "00000000000000000001_x_bad.example.json"), []byte("{not json"), 0o644))

	q, err := Open(dir, 10, nil)
	require.NoError(t, err)
	require.Equal(t, 1, q.Len())

	_, err = q.Peek()
	assert.Error(t, err)
	assert.Equal(t, 0, q.Len())
}
