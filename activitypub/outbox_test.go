package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/deemkeen/stegofed/blocklist"
	"github.com/deemkeen/stegofed/db"
	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/sendpool"
	"github.com/deemkeen/stegofed/util"
)

type outboxFixture struct {
	manager *Manager
	db      *db.DB
	acc     *domain.Account
	pool    *sendpool.Pool
}

func newOutboxFixture(t *testing.T, blocked ...string) *outboxFixture {
	t.Helper()
	priv, _ := testKeys(t)
	database, err := db.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	acc, err := database.CreateAccount("alice", "hash", &util.RsaKeyPair{
		Public:  publicKeyToPEM(t, &priv.PublicKey),
		Private: privateKeyToPEM(priv),
	})
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	blockPath := filepath.Join(t.TempDir(), blocklist.FileName)
	if err := os.WriteFile(blockPath, []byte(strings.Join(blocked, "\n")), 0o600); err != nil {
		t.Fatalf("Failed to write block list: %v", err)
	}

	conf := testConf()
	client := NewClient(conf, nil, nil)
	deliverer := NewDeliverer(client, conf, nil, nil)
	deliverer.backoff = []time.Duration{10 * time.Millisecond}
	pool := sendpool.New(4, 100*time.Millisecond, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		pool.Shutdown(ctx)
	})

	manager := NewManager(database, pool, deliverer, client, blocklist.New(blockPath, time.Minute, nil), conf, nil)
	return &outboxFixture{manager: manager, db: database, acc: acc, pool: pool}
}

func waitFor(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

var statusIRIPattern = regexp.MustCompile(`^https://local\.example/users/alice/statuses/[0-9a-f-]{36}$`)

func TestSubmitWrapsObjectInCreate(t *testing.T) {
	f := newOutboxFixture(t)
	body := `{"type":"Note","content":"hello","id":"https://evil.example/forged","to":["https://www.w3.org/ns/activitystreams#Public"]}`

	sub, err := f.manager.Submit(context.Background(), f.acc, []byte(body))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if sub.Scheduled {
		t.Error("Expected immediate publication")
	}
	if !strings.HasSuffix(sub.ActivityIRI, "/activity") || !statusIRIPattern.MatchString(strings.TrimSuffix(sub.ActivityIRI, "/activity")) {
		t.Errorf("Unexpected activity IRI %s", sub.ActivityIRI)
	}

	err, entry := f.db.ReadOutboxByURI(sub.ActivityIRI)
	if err != nil {
		t.Fatalf("Expected the activity in the outbox: %v", err)
	}
	if entry.ActivityType != "Create" {
		t.Errorf("Expected Create, got %s", entry.ActivityType)
	}
	if entry.ObjectURI != strings.TrimSuffix(sub.ActivityIRI, "/activity") {
		t.Errorf("Expected object id to be minted, got %s", entry.ObjectURI)
	}

	var stored map[string]any
	if err := json.Unmarshal([]byte(entry.RawJSON), &stored); err != nil {
		t.Fatalf("Stored JSON is invalid: %v", err)
	}
	if stored["actor"] != "https://local.example/users/alice" {
		t.Errorf("Expected actor to be bound to alice, got %v", stored["actor"])
	}
	object := stored["object"].(map[string]any)
	if object["attributedTo"] != "https://local.example/users/alice" {
		t.Errorf("Expected attributedTo alice, got %v", object["attributedTo"])
	}
	if stored["to"] == nil {
		t.Error("Expected addressing to be copied onto the Create")
	}
}

func TestSubmitRejectsInvalidBodies(t *testing.T) {
	f := newOutboxFixture(t)
	for _, body := range []string{`not json`, `{"content":"no type"}`} {
		if _, err := f.manager.Submit(context.Background(), f.acc, []byte(body)); !errors.Is(err, ErrInvalidActivity) {
			t.Errorf("Submit(%s): expected ErrInvalidActivity, got %v", body, err)
		}
	}
}

func TestSubmitSchedulesFuturePosts(t *testing.T) {
	f := newOutboxFixture(t)
	when := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	body := `{"type":"Note","content":"later","published":"` + when + `"}`

	sub, err := f.manager.Submit(context.Background(), f.acc, []byte(body))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if !sub.Scheduled {
		t.Fatal("Expected the post to be scheduled")
	}

	count, err := f.db.CountOutboxByAccountId(f.acc.Id)
	if err != nil || count != 0 {
		t.Errorf("Expected an empty outbox, got %d (%v)", count, err)
	}
	err, due := f.db.ReadDueScheduledPosts(time.Now().Add(2*time.Hour), 10)
	if err != nil || len(*due) != 1 {
		t.Fatalf("Expected one scheduled post, got %v (%v)", due, err)
	}
	if !strings.Contains((*due)[0].ActivityJSON, sub.ActivityIRI) {
		t.Error("Expected the scheduled JSON to carry the minted id")
	}
}

func TestSubmitRecordsShares(t *testing.T) {
	f := newOutboxFixture(t)
	end := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	body := `{"type":"Offer","object":{"type":"Proposal","name":"bike","endTime":"` + end.Format(time.RFC3339) + `"}}`

	sub, err := f.manager.Submit(context.Background(), f.acc, []byte(body))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if !statusIRIPattern.MatchString(sub.ActivityIRI) {
		t.Errorf("Unexpected activity IRI %s", sub.ActivityIRI)
	}

	err, expired := f.db.ReadExpiredShares(end.Add(time.Second), 10)
	if err != nil || len(*expired) != 1 {
		t.Fatalf("Expected one share, got %v (%v)", expired, err)
	}
	share := (*expired)[0]
	if share.Name != "bike" || share.ObjectURI != sub.ActivityIRI+"/object" {
		t.Errorf("Unexpected share %+v", share)
	}
}

func TestSubmitDeliversToFollowers(t *testing.T) {
	f := newOutboxFixture(t)
	srv, hits, received := inboxServer(t, 202)

	remote := &domain.RemoteAccount{
		Username:      "bob",
		Domain:        "remote.example",
		ActorURI:      "https://remote.example/users/bob",
		InboxURI:      srv.URL + "/users/bob/inbox",
		KeyId:         "https://remote.example/users/bob#main-key",
		LastFetchedAt: time.Now(),
	}
	if err := f.db.UpsertRemoteAccount(remote); err != nil {
		t.Fatalf("UpsertRemoteAccount failed: %v", err)
	}
	err := f.db.CreateFollow(&domain.Follow{
		Id:              uuid.New(),
		AccountId:       remote.Id,
		TargetAccountId: f.acc.Id,
		URI:             "https://remote.example/follows/1",
		Accepted:        true,
		CreatedAt:       time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateFollow failed: %v", err)
	}

	body := `{"type":"Note","content":"hi","to":["https://www.w3.org/ns/activitystreams#Public"],"cc":["https://local.example/users/alice/followers"]}`
	if _, err := f.manager.Submit(context.Background(), f.acc, []byte(body)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if !waitFor(t, func() bool { return hits.Load() == 1 }) {
		t.Fatalf("Expected one delivery, got %d", hits.Load())
	}
	req := <-received
	if req.URL.Path != "/users/bob/inbox" {
		t.Errorf("Expected delivery to bob's inbox, got %s", req.URL.Path)
	}
}

func TestSubmitFansOutBeyondRingSize(t *testing.T) {
	f := newOutboxFixture(t)
	srv, hits, _ := inboxServer(t, 202)

	const followers = 10
	for i := 0; i < followers; i++ {
		name := fmt.Sprintf("bob%d", i)
		remote := &domain.RemoteAccount{
			Username:      name,
			Domain:        "remote.example",
			ActorURI:      "https://remote.example/users/" + name,
			InboxURI:      srv.URL + "/users/" + name + "/inbox",
			KeyId:         "https://remote.example/users/" + name + "#main-key",
			LastFetchedAt: time.Now(),
		}
		if err := f.db.UpsertRemoteAccount(remote); err != nil {
			t.Fatalf("UpsertRemoteAccount failed: %v", err)
		}
		err := f.db.CreateFollow(&domain.Follow{
			Id:              uuid.New(),
			AccountId:       remote.Id,
			TargetAccountId: f.acc.Id,
			URI:             "https://remote.example/follows/" + name,
			Accepted:        true,
			CreatedAt:       time.Now(),
		})
		if err != nil {
			t.Fatalf("CreateFollow failed: %v", err)
		}
	}

	body := `{"type":"Note","content":"hi","to":["https://www.w3.org/ns/activitystreams#Public"],"cc":["https://local.example/users/alice/followers"]}`
	begin := time.Now()
	if _, err := f.manager.Submit(context.Background(), f.acc, []byte(body)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Errorf("Submit blocked for %s", elapsed)
	}

	if !waitFor(t, func() bool { return hits.Load() == followers }) {
		t.Fatalf("Expected %d deliveries, got %d", followers, hits.Load())
	}
	if live := f.pool.Live("alice"); live > f.pool.Size() {
		t.Errorf("Expected at most %d live jobs, got %d", f.pool.Size(), live)
	}
}

func TestRecipientsSkipsLocalAndBlocked(t *testing.T) {
	priv, _ := testKeys(t)
	srv := actorServer(t, publicKeyToPEM(t, &priv.PublicKey), false)

	f := newOutboxFixture(t)
	activity := map[string]any{
		"type": "Create",
		"to":   []any{util.PublicCollection, "https://local.example/users/carol", srv.URL + "/users/bob"},
		"cc":   []any{srv.URL + "/users/bob"},
	}
	inboxes := f.manager.Recipients(context.Background(), f.acc, activity)
	if len(inboxes) != 1 || inboxes[0] != srv.URL+"/inbox" {
		t.Errorf("Expected bob's shared inbox once, got %v", inboxes)
	}

	blocked := newOutboxFixture(t, "127.0.0.1")
	if inboxes := blocked.manager.Recipients(context.Background(), blocked.acc, activity); len(inboxes) != 0 {
		t.Errorf("Expected blocked domain to be skipped, got %v", inboxes)
	}
}

func TestSendDeleteIsPersisted(t *testing.T) {
	f := newOutboxFixture(t)
	iri, err := f.manager.SendDelete(context.Background(), f.acc, "https://local.example/users/alice/statuses/1")
	if err != nil {
		t.Fatalf("SendDelete failed: %v", err)
	}
	err, entry := f.db.ReadOutboxByURI(iri)
	if err != nil {
		t.Fatalf("Expected Delete in the outbox: %v", err)
	}
	if entry.ActivityType != "Delete" || entry.ObjectURI != "https://local.example/users/alice/statuses/1" {
		t.Errorf("Unexpected entry %+v", entry)
	}
}

func TestStripHiddenRecipients(t *testing.T) {
	activity := map[string]any{
		"type":   "Create",
		"bto":    []any{"a"},
		"bcc":    []any{"b"},
		"object": map[string]any{"type": "Note", "bcc": []any{"c"}},
	}
	out := stripHiddenRecipients(activity)
	if _, ok := out["bto"]; ok {
		t.Error("Expected bto to be stripped")
	}
	if _, ok := out["bcc"]; ok {
		t.Error("Expected bcc to be stripped")
	}
	if _, ok := out["object"].(map[string]any)["bcc"]; ok {
		t.Error("Expected object bcc to be stripped")
	}
	if _, ok := activity["bcc"]; !ok {
		t.Error("Expected the input to be left untouched")
	}
}
