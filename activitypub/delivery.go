package activitypub

import (
	"bytes"
	"context"
	"crypto"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/metrics"
	"github.com/deemkeen/stegofed/util"
)

// DefaultBackoff is the wait before the 2nd, 3rd, ... delivery try. The
// last value repeats.
var DefaultBackoff = []time.Duration{time.Second, 5 * time.Second, 15 * time.Second, time.Minute}

// Credentials sign outbound requests on behalf of one local actor.
type Credentials struct {
	KeyId string
	Key   crypto.PrivateKey
}

// CredentialsFor parses the private key of a local account.
func CredentialsFor(acc *domain.Account, domainName string) (*Credentials, error) {
	key, err := ParsePrivateKey(acc.WebPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return &Credentials{KeyId: util.GetIRI(domainName, acc.Nickname, util.KeyIRI), Key: key}, nil
}

type permanentError struct {
	status int
}

func (e *permanentError) Error() string {
	return fmt.Sprintf("remote server returned status: %d", e.status)
}

// IsPermanent reports whether retrying err is pointless.
func IsPermanent(err error) bool {
	var perm *permanentError
	return errors.As(err, &perm)
}

// Deliverer POSTs activities to remote inboxes with bounded retries.
type Deliverer struct {
	client  *Client
	timeout time.Duration
	retries int
	backoff []time.Duration
	metrics *metrics.Metrics
	log     *zap.SugaredLogger
}

func NewDeliverer(client *Client, conf *util.AppConfig, m *metrics.Metrics, logger *zap.SugaredLogger) *Deliverer {
	return &Deliverer{
		client:  client,
		timeout: conf.Conf.DeliveryTimeout,
		retries: conf.Conf.DeliveryRetries,
		backoff: DefaultBackoff,
		metrics: m,
		log:     util.OrNop(logger),
	}
}

// Deliver runs the attempt until it succeeds, fails permanently or runs out
// of retries. Cancelling soft stops further tries; cancelling hard also
// aborts the request in flight.
func (d *Deliverer) Deliver(soft, hard context.Context, attempt *domain.DeliveryAttempt, creds *Credentials) error {
	for attempt.Attempts < d.retries {
		if err := soft.Err(); err != nil {
			d.metrics.Delivery("cancelled")
			return err
		}

		err := d.post(hard, attempt.InboxURI, attempt.Payload, creds)
		attempt.Attempts++
		if err == nil {
			d.metrics.Delivery("ok")
			d.log.Debugw("Delivery: delivered",
				"inbox", attempt.InboxURI,
				"size", humanize.Bytes(uint64(len(attempt.Payload))),
				"attempts", attempt.Attempts)
			return nil
		}
		attempt.LastErr = err

		if IsPermanent(err) || errors.Is(err, ErrLocalNetwork) {
			d.metrics.Delivery("rejected")
			d.log.Infow("Delivery: giving up", "inbox", attempt.InboxURI, "error", err)
			return err
		}
		if attempt.Attempts >= d.retries {
			break
		}

		wait := d.backoff[min(attempt.Attempts-1, len(d.backoff)-1)]
		d.log.Debugw("Delivery: retrying", "inbox", attempt.InboxURI, "attempt", attempt.Attempts, "wait", wait, "error", err)
		timer := time.NewTimer(wait)
		select {
		case <-soft.Done():
			timer.Stop()
			d.metrics.Delivery("cancelled")
			return soft.Err()
		case <-hard.Done():
			timer.Stop()
			d.metrics.Delivery("cancelled")
			return hard.Err()
		case <-timer.C:
		}
	}

	d.metrics.Delivery("failed")
	d.log.Infow("Delivery: failed", "inbox", attempt.InboxURI, "attempts", attempt.Attempts, "error", attempt.LastErr)
	return attempt.LastErr
}

func (d *Deliverer) post(ctx context.Context, inbox string, payload []byte, creds *Credentials) error {
	if _, err := d.client.checkTarget(inbox); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", ContentTypeActivity)
	req.Header.Set("Accept", ContentTypeActivity)
	req.Header.Set("User-Agent", d.client.userAgent)
	req.Header.Set("Date", d.client.now().UTC().Format(http.TimeFormat))

	if err := SignRequest(req, creds.Key, creds.KeyId, payload); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := d.client.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxDocumentBytes))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("remote server returned status: %d", resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &permanentError{status: resp.StatusCode}
	default:
		return fmt.Errorf("remote server returned status: %d", resp.StatusCode)
	}
}
