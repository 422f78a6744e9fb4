// Package daemons holds the supervised background jobs: the scheduled-post
// runner, the share-expiry runner and the newswire refresher.
package daemons

import (
	"context"
	"time"

	"github.com/deemkeen/stegofed/domain"
)

// batchSize bounds the rows one tick handles.
const batchSize = 50

// Publisher is the slice of the outbox manager the daemons post through.
type Publisher interface {
	SendRaw(ctx context.Context, acc *domain.Account, raw string) (string, error)
	SendDelete(ctx context.Context, acc *domain.Account, objectURI string) (string, error)
}

// every runs tick immediately and then once per interval until ctx ends.
func every(ctx context.Context, interval time.Duration, tick func(ctx context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
