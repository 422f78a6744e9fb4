package inbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/blocklist"
	"github.com/deemkeen/stegofed/db"
	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/queue"
	"github.com/deemkeen/stegofed/util"
)

const (
	bobActor = "https://remote.example/users/bob"
	bobKeyId = bobActor + "#main-key"
)

var (
	keyOnce sync.Once
	bobKey  *rsa.PrivateKey
	keyErr  error
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		bobKey, keyErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	require.NoError(t, keyErr)
	return bobKey
}

func publicPEM(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func testConf() *util.AppConfig {
	conf := &util.AppConfig{}
	conf.Conf.Domain = "local.example"
	conf.Conf.MaxPostBytes = 64 * 1024
	return conf
}

type restartCounter struct {
	mu    sync.Mutex
	count int
}

func (r *restartCounter) Restart() {
	r.mu.Lock()
	r.count++
	r.mu.Unlock()
}

func (r *restartCounter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

type fixture struct {
	conf       *util.AppConfig
	db         *db.DB
	queue      *queue.Queue
	queueDir   string
	controller *Controller
	restarts   *restartCounter
	alice      *domain.Account
}

func newFixture(t *testing.T, max int, blocked ...string) *fixture {
	t.Helper()
	conf := testConf()

	database, err := db.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	alice, err := database.CreateAccount("alice", "hash", &util.RsaKeyPair{Public: "pub", Private: "priv"})
	require.NoError(t, err)

	dir := t.TempDir()
	blockPath := filepath.Join(dir, blocklist.FileName)
	require.NoError(t, os.WriteFile(blockPath, []byte(strings.Join(blocked, "\n")), 0o600))

	queueDir := filepath.Join(dir, "queue")
	q, err := queue.Open(queueDir, max, nil)
	require.NoError(t, err)

	restarts := &restartCounter{}
	controller := NewController(q, blocklist.New(blockPath, time.Minute, nil), database, conf, nil, nil)
	controller.SetRestarter(restarts)

	return &fixture{
		conf:       conf,
		db:         database,
		queue:      q,
		queueDir:   queueDir,
		controller: controller,
		restarts:   restarts,
		alice:      alice,
	}
}

// signedRequest signs body as bob and returns the admission request for path.
func signedRequest(t *testing.T, path, body string) *Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "https://local.example"+path, bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", activitypub.ContentTypeActivity)
	require.NoError(t, activitypub.SignRequest(req, testKey(t), bobKeyId, []byte(body)))

	nickname := ""
	if parts := strings.Split(strings.Trim(path, "/"), "/"); len(parts) == 3 && parts[0] == "users" {
		nickname = parts[1]
	}
	return &Request{
		Path:       path,
		Nickname:   nickname,
		Body:       []byte(body),
		Headers:    activitypub.CaptureHeaders(req, domain.CapturedHeaders),
		ReceivedAt: time.Now(),
	}
}

// staticKeys serves bob's key from memory, owned by actor when set.
type staticKeys struct {
	pem   string
	actor string
}

func (k *staticKeys) Lookup(ctx context.Context, keyId string, refresh bool) (*domain.ActorKey, bool, error) {
	owner := bobActor
	if k.actor != "" {
		owner = k.actor
	}
	return &domain.ActorKey{ActorIRI: owner, KeyId: keyId, PublicKeyPem: k.pem, FetchedAt: time.Now()}, false, nil
}

func (k *staticKeys) Evict(keyId string) {}

// fakeOutbox stores resolved actors in the database and records Accepts.
type fakeOutbox struct {
	db      *db.DB
	mu      sync.Mutex
	accepts []string
}

func (o *fakeOutbox) ResolveActor(ctx context.Context, actorIRI string) (*domain.RemoteAccount, error) {
	remote := &domain.RemoteAccount{
		Username:      "bob",
		Domain:        util.HostOf(actorIRI),
		ActorURI:      actorIRI,
		InboxURI:      actorIRI + "/inbox",
		KeyId:         actorIRI + "#main-key",
		LastFetchedAt: time.Now(),
	}
	if err := o.db.UpsertRemoteAccount(remote); err != nil {
		return nil, err
	}
	return remote, nil
}

func (o *fakeOutbox) SendAccept(ctx context.Context, acc *domain.Account, remote *domain.RemoteAccount, follow map[string]any) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id, _ := follow["id"].(string)
	o.accepts = append(o.accepts, id)
	return "https://local.example/users/" + acc.Nickname + "/statuses/accept", nil
}

func (o *fakeOutbox) Accepts() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.accepts...)
}

func followJSON(id, actor string) string {
	return `{"@context":"https://www.w3.org/ns/activitystreams","id":"` + id + `","type":"Follow","actor":"` + actor + `","object":"https://local.example/users/alice"}`
}
