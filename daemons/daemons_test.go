package daemons

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deemkeen/stegofed/db"
	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
)

type fakePublisher struct {
	mu      sync.Mutex
	raws    []string
	deletes []string
	err     error
}

func (p *fakePublisher) SendRaw(ctx context.Context, acc *domain.Account, raw string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.raws = append(p.raws, raw)
	return "https://local.example/users/" + acc.Nickname + "/statuses/1", nil
}

func (p *fakePublisher) SendDelete(ctx context.Context, acc *domain.Account, objectURI string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.deletes = append(p.deletes, objectURI)
	return objectURI + "#delete", nil
}

func setup(t *testing.T) (*db.DB, *domain.Account, *util.AppConfig) {
	t.Helper()
	database, err := db.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	acc, err := database.CreateAccount("alice", "hash", &util.RsaKeyPair{Public: "pub", Private: "priv"})
	require.NoError(t, err)

	conf := &util.AppConfig{}
	conf.Conf.Domain = "local.example"
	conf.Conf.SchedulerInterval = 10 * time.Millisecond
	conf.Conf.ShareExpiry = 10 * time.Millisecond
	conf.Conf.NewswireInterval = 10 * time.Millisecond
	return database, acc, conf
}

func TestSchedulerPublishesDuePosts(t *testing.T) {
	database, acc, conf := setup(t)
	now := time.Now()
	require.NoError(t, database.CreateScheduledPost(&domain.ScheduledPost{
		Id: uuid.New(), AccountId: acc.Id, ActivityJSON: `{"type":"Create","n":1}`,
		ScheduledAt: now.Add(-time.Minute), CreatedAt: now,
	}))
	require.NoError(t, database.CreateScheduledPost(&domain.ScheduledPost{
		Id: uuid.New(), AccountId: acc.Id, ActivityJSON: `{"type":"Create","n":2}`,
		ScheduledAt: now.Add(time.Hour), CreatedAt: now,
	}))

	publisher := &fakePublisher{}
	s := NewScheduler(database, publisher, conf, nil)
	assert.Equal(t, 1, s.RunOnce(context.Background()))
	assert.Equal(t, []string{`{"type":"Create","n":1}`}, publisher.raws)

	assert.Equal(t, 0, s.RunOnce(context.Background()), "published posts are removed")

	s.now = func() time.Time { return now.Add(2 * time.Hour) }
	assert.Equal(t, 1, s.RunOnce(context.Background()))
}

func TestSchedulerKeepsPostOnFailure(t *testing.T) {
	database, acc, conf := setup(t)
	require.NoError(t, database.CreateScheduledPost(&domain.ScheduledPost{
		Id: uuid.New(), AccountId: acc.Id, ActivityJSON: `{}`,
		ScheduledAt: time.Now().Add(-time.Minute), CreatedAt: time.Now(),
	}))

	publisher := &fakePublisher{err: errors.New("offline")}
	s := NewScheduler(database, publisher, conf, nil)
	assert.Equal(t, 0, s.RunOnce(context.Background()))

	err, due := database.ReadDueScheduledPosts(time.Now(), 10)
	require.NoError(t, err)
	assert.Len(t, *due, 1)
}

func TestShareExpiryFederatesDelete(t *testing.T) {
	database, acc, conf := setup(t)
	now := time.Now()
	require.NoError(t, database.CreateShare(&domain.Share{
		Id: uuid.New(), AccountId: acc.Id, ObjectURI: "https://local.example/users/alice/statuses/1/object",
		Name: "bike", ExpiresAt: now.Add(-time.Minute), CreatedAt: now,
	}))
	require.NoError(t, database.CreateShare(&domain.Share{
		Id: uuid.New(), AccountId: acc.Id, ObjectURI: "https://local.example/users/alice/statuses/2/object",
		Name: "lamp", ExpiresAt: now.Add(time.Hour), CreatedAt: now,
	}))

	publisher := &fakePublisher{}
	e := NewShareExpiry(database, publisher, conf, nil)
	assert.Equal(t, 1, e.RunOnce(context.Background()))
	assert.Equal(t, []string{"https://local.example/users/alice/statuses/1/object"}, publisher.deletes)
	assert.Equal(t, 0, e.RunOnce(context.Background()))
}

func TestDaemonRunStopsOnCancel(t *testing.T) {
	database, _, conf := setup(t)
	s := NewScheduler(database, &fakePublisher{}, conf, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewswireRendersLocalAndFederatedPosts(t *testing.T) {
	database, acc, conf := setup(t)
	now := time.Now()

	require.NoError(t, database.CreateOutboxEntry(&domain.OutboxEntry{
		Id:           uuid.New(),
		AccountId:    acc.Id,
		ActivityURI:  "https://local.example/users/alice/statuses/1/activity",
		ActivityType: "Create",
		ObjectURI:    "https://local.example/users/alice/statuses/1",
		RawJSON:      `{"type":"Create","actor":"https://local.example/users/alice","object":{"id":"https://local.example/users/alice/statuses/1","type":"Note","content":"local hello"}}`,
		CreatedAt:    now,
	}))
	require.NoError(t, database.CreateActivity(&domain.Activity{
		Id:           uuid.New(),
		ActivityURI:  "https://remote.example/notes/1/activity",
		ActivityType: "Create",
		ActorURI:     "https://remote.example/users/bob",
		ObjectURI:    "https://remote.example/notes/1",
		RawJSON:      `{"type":"Create","actor":"https://remote.example/users/bob","object":{"id":"https://remote.example/notes/1","type":"Note","name":"Remote title","content":"remote hello"}}`,
		Processed:    true,
		CreatedAt:    now.Add(-time.Minute),
	}))

	path := filepath.Join(t.TempDir(), NewswireFile)
	n := NewNewswire(database, path, conf, nil)
	require.NoError(t, n.RunOnce())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	rss := string(data)
	assert.Contains(t, rss, "<rss")
	assert.Contains(t, rss, "local hello")
	assert.Contains(t, rss, "Remote title")
	assert.Contains(t, rss, "local.example newswire")
	assert.Less(t, strings.Index(rss, "local hello"), strings.Index(rss, "Remote title"), "newest first")
}

func TestParsePostSkipsReferences(t *testing.T) {
	_, ok := parsePost(`{"type":"Announce","actor":"https://remote.example/users/bob","object":"https://other.example/notes/1"}`)
	assert.False(t, ok)

	p, ok := parsePost(`{"type":"Create","actor":"https://remote.example/users/bob","object":{"id":"x","content":"c"}}`)
	require.True(t, ok)
	assert.Equal(t, "https://remote.example/users/bob", p.AttributedTo)
}
