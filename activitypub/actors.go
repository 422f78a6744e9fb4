package activitypub

import (
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
)

const (
	ContentTypeActivity = "application/activity+json"
	acceptActivity      = `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
	maxDocumentBytes    = 1 << 20
)

var ErrLocalNetwork = errors.New("refusing to contact a local network address")

// ActorResponse represents the JSON structure of an ActivityPub actor
type ActorResponse struct {
	Context           interface{} `json:"@context"`
	ID                string      `json:"id"`
	Type              string      `json:"type"`
	PreferredUsername string      `json:"preferredUsername"`
	Name              string      `json:"name"`
	Inbox             string      `json:"inbox"`
	Outbox            string      `json:"outbox"`
	Owner             string      `json:"owner"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
	PublicKeyPem string `json:"publicKeyPem"` // bare Key documents
}

// Client performs outbound federation HTTP. Every request goes through an
// otelhttp transport and carries an explicit deadline.
type Client struct {
	http         *http.Client
	userAgent    string
	fetchTimeout time.Duration
	secureMode   bool
	allowLocal   bool
	signingKeyId string
	signingKey   crypto.PrivateKey
	log          *zap.SugaredLogger
	now          func() time.Time
}

// NewClient builds the federation client. instanceKey signs outbound GETs
// when secure mode is on.
func NewClient(conf *util.AppConfig, instanceKey crypto.PrivateKey, logger *zap.SugaredLogger) *Client {
	return &Client{
		http:         &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		userAgent:    util.UserAgent(conf),
		fetchTimeout: conf.Conf.FetchTimeout,
		secureMode:   conf.Conf.SecureMode,
		allowLocal:   conf.Conf.AllowLocalNetwork,
		signingKeyId: util.InstanceActorIRI(conf.Conf.Domain) + "#main-key",
		signingKey:   instanceKey,
		log:          util.OrNop(logger),
		now:          time.Now,
	}
}

func (c *Client) checkTarget(target string) (*url.URL, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid IRI %q: %w", target, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("unsupported scheme in %q", target)
	}
	if !c.allowLocal && util.IsLocalNetworkHost(u.Host) {
		return nil, ErrLocalNetwork
	}
	return u, nil
}

// Get fetches an ActivityPub document. In secure mode the request is signed
// with the instance actor key.
func (c *Client) Get(ctx context.Context, iri string) ([]byte, error) {
	if _, err := c.checkTarget(iri); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, iri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", acceptActivity)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Date", c.now().UTC().Format(http.TimeFormat))

	if c.secureMode && c.signingKey != nil {
		if err := SignRequest(req, c.signingKey, c.signingKeyId, nil); err != nil {
			return nil, fmt.Errorf("failed to sign request: %w", err)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch of %s failed with status: %d", iri, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

func (c *Client) fetchDocument(ctx context.Context, iri string) (*ActorResponse, error) {
	body, err := c.Get(ctx, iri)
	if err != nil {
		return nil, err
	}
	var doc ActorResponse
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse actor JSON: %w", err)
	}
	return &doc, nil
}

// FetchActor fetches an actor document and maps it to a RemoteAccount.
func (c *Client) FetchActor(ctx context.Context, actorIRI string) (*domain.RemoteAccount, error) {
	doc, err := c.fetchDocument(ctx, actorIRI)
	if err != nil {
		return nil, err
	}
	return c.toRemoteAccount(doc)
}

// FetchKey resolves keyId to the actor owning it. The keyId may point at the
// actor (with a fragment) or at a standalone Key document.
func (c *Client) FetchKey(ctx context.Context, keyId string) (*domain.RemoteAccount, error) {
	doc, err := c.fetchDocument(ctx, KeyOwner(keyId))
	if err != nil {
		return nil, err
	}

	viaKeyDocument := false
	if doc.Inbox == "" {
		owner := doc.Owner
		if owner == "" {
			owner = doc.PublicKey.Owner
		}
		if owner == "" {
			return nil, fmt.Errorf("key document %s has no owner", keyId)
		}
		keyPem := doc.PublicKeyPem
		if keyPem == "" {
			keyPem = doc.PublicKey.PublicKeyPem
		}
		if doc, err = c.fetchDocument(ctx, owner); err != nil {
			return nil, err
		}
		if keyPem != "" && keyPem != doc.PublicKey.PublicKeyPem {
			return nil, fmt.Errorf("key %s is not published by its owner %s", keyId, owner)
		}
		viaKeyDocument = true
	}

	acc, err := c.toRemoteAccount(doc)
	if err != nil {
		return nil, err
	}
	if !viaKeyDocument && acc.KeyId != keyId && keyId != acc.ActorURI {
		return nil, fmt.Errorf("actor %s does not publish key %s", acc.ActorURI, keyId)
	}
	if util.HostOf(acc.ActorURI) != util.HostOf(keyId) {
		return nil, fmt.Errorf("key %s is served by a different host than actor %s", keyId, acc.ActorURI)
	}
	acc.KeyId = keyId
	return acc, nil
}

func (c *Client) toRemoteAccount(actor *ActorResponse) (*domain.RemoteAccount, error) {
	if actor.ID == "" || actor.Inbox == "" || actor.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("actor missing required fields")
	}
	if _, err := ParsePublicKey(actor.PublicKey.PublicKeyPem); err != nil {
		return nil, err
	}
	host := util.HostOf(actor.ID)
	if host == "" {
		return nil, fmt.Errorf("invalid actor URI: %s", actor.ID)
	}

	username := actor.PreferredUsername
	if username == "" {
		username = extractUsername(actor.ID)
	}
	return &domain.RemoteAccount{
		Username:      username,
		Domain:        host,
		ActorURI:      actor.ID,
		DisplayName:   actor.Name,
		InboxURI:      actor.Inbox,
		SharedInbox:   actor.Endpoints.SharedInbox,
		KeyId:         actor.PublicKey.ID,
		PublicKeyPem:  actor.PublicKey.PublicKeyPem,
		LastFetchedAt: c.now().UTC(),
	}, nil
}

// extractUsername extracts username from various URI formats
// Examples:
// - "https://example.com/users/alice" -> "alice"
// - "https://example.com/@alice" -> "alice"
func extractUsername(uri string) string {
	parts := strings.Split(strings.TrimRight(uri, "/"), "/")
	return strings.TrimPrefix(parts[len(parts)-1], "@")
}
