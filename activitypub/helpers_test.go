package activitypub

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
)

var (
	keyOnce   sync.Once
	testRSA   *rsa.PrivateKey
	otherRSA  *rsa.PrivateKey
	keyGenErr error
)

// testKeys returns two RSA keys shared by the whole package.
func testKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()
	keyOnce.Do(func() {
		if testRSA, keyGenErr = rsa.GenerateKey(rand.Reader, 2048); keyGenErr != nil {
			return
		}
		otherRSA, keyGenErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	if keyGenErr != nil {
		t.Fatalf("Failed to generate key pair: %v", keyGenErr)
	}
	return testRSA, otherRSA
}

func privateKeyToPEM(key *rsa.PrivateKey) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))
}

func publicKeyToPEM(t *testing.T, key any) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		t.Fatalf("Failed to marshal public key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func testEd25519(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate ed25519 key: %v", err)
	}
	return pub, priv
}

// stubKeys serves keys[0] normally and keys[1] (when present) on refresh.
type stubKeys struct {
	mu      sync.Mutex
	keys    []*domain.ActorKey
	err     error
	fetched bool
	calls   []bool
}

func (s *stubKeys) Lookup(ctx context.Context, keyId string, refresh bool) (*domain.ActorKey, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, refresh)
	if s.err != nil {
		return nil, false, s.err
	}
	if refresh && len(s.keys) > 1 {
		return s.keys[1], true, nil
	}
	return s.keys[0], s.fetched, nil
}

func testConf() *util.AppConfig {
	conf := &util.AppConfig{}
	conf.Conf.Domain = "local.example"
	conf.Conf.FetchTimeout = 2 * time.Second
	conf.Conf.DeliveryTimeout = 2 * time.Second
	conf.Conf.DeliveryRetries = 3
	conf.Conf.KeyCacheTTL = time.Hour
	conf.Conf.AllowLocalNetwork = true
	return conf
}
