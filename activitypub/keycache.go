package activitypub

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/metrics"
	"github.com/deemkeen/stegofed/util"
)

// KeyStore is the persistent tier of the key cache.
type KeyStore interface {
	ReadRemoteAccountByKeyId(keyId string) (error, *domain.RemoteAccount)
	UpsertRemoteAccount(acc *domain.RemoteAccount) error
}

// KeyFetcher resolves a keyId over the network.
type KeyFetcher interface {
	FetchKey(ctx context.Context, keyId string) (*domain.RemoteAccount, error)
}

// KeyCache is the actor key cache: an LRU hot tier over the remote_accounts
// table, refreshed lazily once an entry is older than ttl. Concurrent misses
// on the same keyId share a single fetch.
type KeyCache struct {
	store   KeyStore
	fetcher KeyFetcher
	hot     *lru.Cache
	ttl     time.Duration
	group   singleflight.Group
	metrics *metrics.Metrics
	log     *zap.SugaredLogger
	now     func() time.Time
}

func NewKeyCache(store KeyStore, fetcher KeyFetcher, size int, ttl time.Duration, m *metrics.Metrics, logger *zap.SugaredLogger) (*KeyCache, error) {
	hot, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create key cache: %w", err)
	}
	return &KeyCache{
		store:   store,
		fetcher: fetcher,
		hot:     hot,
		ttl:     ttl,
		metrics: m,
		log:     util.OrNop(logger),
		now:     time.Now,
	}, nil
}

func actorKey(acc *domain.RemoteAccount) *domain.ActorKey {
	return &domain.ActorKey{
		ActorIRI:     acc.ActorURI,
		KeyId:        acc.KeyId,
		PublicKeyPem: acc.PublicKeyPem,
		FetchedAt:    acc.LastFetchedAt,
	}
}

// Lookup returns the key for keyId. fetched reports whether it came from the
// network during this call.
func (c *KeyCache) Lookup(ctx context.Context, keyId string, refresh bool) (*domain.ActorKey, bool, error) {
	now := c.now()
	if !refresh {
		if v, ok := c.hot.Get(keyId); ok {
			if key := v.(*domain.ActorKey); key.Fresh(now, c.ttl) {
				return key, false, nil
			}
		}
		if err, acc := c.store.ReadRemoteAccountByKeyId(keyId); err == nil {
			key := actorKey(acc)
			if key.Fresh(now, c.ttl) {
				c.hot.Add(keyId, key)
				return key, false, nil
			}
		}
	}

	v, err, _ := c.group.Do(keyId, func() (interface{}, error) {
		acc, err := c.fetcher.FetchKey(ctx, keyId)
		if err != nil {
			c.metrics.KeyFetch("error")
			return nil, err
		}
		c.metrics.KeyFetch("ok")
		if err := c.store.UpsertRemoteAccount(acc); err != nil {
			// still usable for this verification
			c.log.Warnw("KeyCache: failed to persist fetched actor", "actor", acc.ActorURI, "error", err)
		}
		key := actorKey(acc)
		c.hot.Add(keyId, key)
		return key, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*domain.ActorKey), true, nil
}

// Evict drops keyId from the hot tier.
func (c *KeyCache) Evict(keyId string) {
	c.hot.Remove(keyId)
}
