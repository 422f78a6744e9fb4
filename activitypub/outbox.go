package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deemkeen/stegofed/blocklist"
	"github.com/deemkeen/stegofed/db"
	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/sendpool"
	"github.com/deemkeen/stegofed/util"
)

const ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"

var (
	ErrOutboxPersist   = errors.New("failed to persist outbox activity")
	ErrInvalidActivity = errors.New("invalid activity")
)

// activityTypes are posted as-is; anything else is an object that gets
// wrapped in a Create.
var activityTypes = map[string]bool{
	"Create": true, "Update": true, "Delete": true, "Follow": true, "Accept": true,
	"Reject": true, "Add": true, "Remove": true, "Like": true, "EmojiReact": true,
	"Announce": true, "Undo": true, "Block": true, "Offer": true, "Ignore": true,
}

var addressingFields = []string{"to", "cc", "bto", "bcc", "audience"}

// Submission is the outcome of an accepted outbox POST.
type Submission struct {
	ActivityIRI string
	Scheduled   bool
}

// Manager is the Outbox Delivery Manager: it persists locally produced
// activities and fans them out through the send pool.
type Manager struct {
	db        *db.DB
	pool      *sendpool.Pool
	deliverer *Deliverer
	client    *Client
	blocks    *blocklist.Cache
	domain    string
	actorTTL  time.Duration
	log       *zap.SugaredLogger
	now       func() time.Time
}

func NewManager(database *db.DB, pool *sendpool.Pool, deliverer *Deliverer, client *Client, blocks *blocklist.Cache, conf *util.AppConfig, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		db:        database,
		pool:      pool,
		deliverer: deliverer,
		client:    client,
		blocks:    blocks,
		domain:    conf.Conf.Domain,
		actorTTL:  conf.Conf.KeyCacheTTL,
		log:       util.OrNop(logger),
		now:       time.Now,
	}
}

// Submit accepts a client-to-server POST body for acc.
func (m *Manager) Submit(ctx context.Context, acc *domain.Account, body []byte) (*Submission, error) {
	var activity map[string]any
	if err := json.Unmarshal(body, &activity); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidActivity, err)
	}
	typ, _ := activity["type"].(string)
	if typ == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidActivity)
	}
	if !activityTypes[typ] {
		activity = wrapInCreate(activity)
	}
	m.prepare(acc, activity)

	if when, ok := m.scheduledFor(activity); ok {
		raw, err := json.Marshal(activity)
		if err != nil {
			return nil, err
		}
		post := &domain.ScheduledPost{
			Id:           uuid.New(),
			AccountId:    acc.Id,
			ActivityJSON: string(raw),
			ScheduledAt:  when,
			CreatedAt:    m.now(),
		}
		if err := m.db.CreateScheduledPost(post); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOutboxPersist, err)
		}
		m.log.Infow("Outbox: scheduled post", "account", acc.Nickname, "id", activity["id"], "at", when)
		return &Submission{ActivityIRI: activity["id"].(string), Scheduled: true}, nil
	}

	if typ == "Offer" {
		if err := m.recordShare(acc, activity); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOutboxPersist, err)
		}
	}

	iri, err := m.publish(ctx, acc, activity)
	if err != nil {
		return nil, err
	}
	return &Submission{ActivityIRI: iri}, nil
}

// Send persists and delivers a server generated activity. Missing id and
// actor are filled in.
func (m *Manager) Send(ctx context.Context, acc *domain.Account, activity map[string]any) (string, error) {
	if id, _ := activity["id"].(string); id == "" {
		activity["id"] = m.mintId(acc)
	}
	activity["actor"] = util.GetIRI(m.domain, acc.Nickname, util.ActorIRI)
	if _, ok := activity["@context"]; !ok {
		activity["@context"] = ActivityStreamsContext
	}
	return m.publish(ctx, acc, activity)
}

// SendRaw publishes a stored activity, e.g. a scheduled post that is due.
func (m *Manager) SendRaw(ctx context.Context, acc *domain.Account, raw string) (string, error) {
	var activity map[string]any
	if err := json.Unmarshal([]byte(raw), &activity); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidActivity, err)
	}
	return m.Send(ctx, acc, activity)
}

func wrapInCreate(object map[string]any) map[string]any {
	create := map[string]any{
		"@context": ActivityStreamsContext,
		"type":     "Create",
		"object":   object,
	}
	for _, field := range addressingFields {
		if v, ok := object[field]; ok {
			create[field] = v
		}
	}
	if ctx, ok := object["@context"]; ok {
		create["@context"] = ctx
		delete(object, "@context")
	}
	return create
}

func (m *Manager) mintId(acc *domain.Account) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return util.GetIRI(m.domain, acc.Nickname, util.ActorIRI) + "/statuses/" + id.String()
}

// prepare overwrites client supplied ids and binds the activity to acc.
func (m *Manager) prepare(acc *domain.Account, activity map[string]any) {
	actor := util.GetIRI(m.domain, acc.Nickname, util.ActorIRI)
	statusIRI := m.mintId(acc)
	activity["actor"] = actor
	if _, ok := activity["@context"]; !ok {
		activity["@context"] = ActivityStreamsContext
	}

	object, isObject := activity["object"].(map[string]any)
	if activity["type"] == "Create" && isObject {
		activity["id"] = statusIRI + "/activity"
		object["id"] = statusIRI
		object["attributedTo"] = actor
		if _, ok := object["published"]; !ok {
			object["published"] = m.now().UTC().Format(time.RFC3339)
		}
		if _, ok := activity["published"]; !ok {
			activity["published"] = object["published"]
		}
		return
	}
	activity["id"] = statusIRI
	if isObject && activity["type"] == "Offer" {
		if id, _ := object["id"].(string); id == "" {
			object["id"] = statusIRI + "/object"
		}
	}
}

// scheduledFor reports a publication time in the future.
func (m *Manager) scheduledFor(activity map[string]any) (time.Time, bool) {
	published, _ := activity["published"].(string)
	if object, ok := activity["object"].(map[string]any); ok && published == "" {
		published, _ = object["published"].(string)
	}
	if published == "" {
		return time.Time{}, false
	}
	when, err := time.Parse(time.RFC3339, published)
	if err != nil {
		return time.Time{}, false
	}
	return when, when.After(m.now().Add(time.Minute))
}

func (m *Manager) recordShare(acc *domain.Account, activity map[string]any) error {
	object, ok := activity["object"].(map[string]any)
	if !ok {
		return nil
	}
	endTime, _ := object["endTime"].(string)
	if endTime == "" {
		return nil
	}
	expires, err := time.Parse(time.RFC3339, endTime)
	if err != nil {
		return fmt.Errorf("invalid endTime: %w", err)
	}
	name, _ := object["name"].(string)
	return m.db.CreateShare(&domain.Share{
		Id:        uuid.New(),
		AccountId: acc.Id,
		ObjectURI: object["id"].(string),
		Name:      name,
		ExpiresAt: expires,
		CreatedAt: m.now(),
	})
}

// publish stores the activity before handing it to the send pool, so a
// dispatch failure never touches the stored entry.
func (m *Manager) publish(ctx context.Context, acc *domain.Account, activity map[string]any) (string, error) {
	iri := activity["id"].(string)
	typ, _ := activity["type"].(string)
	objectURI := ""
	switch obj := activity["object"].(type) {
	case string:
		objectURI = obj
	case map[string]any:
		objectURI, _ = obj["id"].(string)
	}

	inboxes := m.Recipients(ctx, acc, activity)

	public := stripHiddenRecipients(activity)
	payload, err := json.Marshal(public)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrOutboxPersist, err)
	}
	entry := &domain.OutboxEntry{
		Id:           uuid.New(),
		AccountId:    acc.Id,
		ActivityURI:  iri,
		ActivityType: typ,
		ObjectURI:    objectURI,
		RawJSON:      string(payload),
		CreatedAt:    m.now(),
	}
	if err := m.db.CreateOutboxEntry(entry); err != nil {
		return "", fmt.Errorf("%w: %v", ErrOutboxPersist, err)
	}

	if err := m.dispatch(acc, inboxes, payload); err != nil {
		m.log.Errorw("Outbox: dispatch failed", "activity", iri, "error", err)
	}
	m.log.Infow("Outbox: published", "account", acc.Nickname, "type", typ, "activity", iri, "inboxes", len(inboxes))
	return iri, nil
}

func (m *Manager) dispatch(acc *domain.Account, inboxes []string, payload []byte) error {
	if len(inboxes) == 0 {
		return nil
	}
	creds, err := CredentialsFor(acc, m.domain)
	if err != nil {
		return err
	}
	// at most one job per slot, so a wide fan-out never evicts itself
	groups := make([][]string, min(len(inboxes), m.pool.Size()))
	for i, inbox := range inboxes {
		groups[i%len(groups)] = append(groups[i%len(groups)], inbox)
	}
	for _, group := range groups {
		m.pool.Submit(acc.Nickname, func(soft, hard context.Context) {
			for _, inbox := range group {
				if soft.Err() != nil {
					return
				}
				attempt := &domain.DeliveryAttempt{InboxURI: inbox, Payload: payload}
				m.deliverer.Deliver(soft, hard, attempt, creds)
			}
		})
	}
	return nil
}

func stripHiddenRecipients(activity map[string]any) map[string]any {
	out := make(map[string]any, len(activity))
	for k, v := range activity {
		if k == "bto" || k == "bcc" {
			continue
		}
		out[k] = v
	}
	if object, ok := activity["object"].(map[string]any); ok {
		clean := make(map[string]any, len(object))
		for k, v := range object {
			if k == "bto" || k == "bcc" {
				continue
			}
			clean[k] = v
		}
		out["object"] = clean
	}
	return out
}

// addresses collects every addressee of the activity and its object.
func addresses(activity map[string]any) []string {
	var out []string
	collect := func(doc map[string]any) {
		for _, field := range addressingFields {
			switch v := doc[field].(type) {
			case string:
				out = append(out, v)
			case []any:
				for _, item := range v {
					if s, ok := item.(string); ok {
						out = append(out, s)
					}
				}
			}
		}
	}
	collect(activity)
	if object, ok := activity["object"].(map[string]any); ok {
		collect(object)
	}
	if activity["type"] == "Follow" {
		if target, ok := activity["object"].(string); ok {
			out = append(out, target)
		}
	}
	return out
}

func isPublic(addr string) bool {
	return addr == util.PublicCollection || addr == "as:Public" || addr == "Public"
}

// Recipients expands the addressees of activity into the set of remote
// inboxes, following the followers collection and skipping blocked targets.
func (m *Manager) Recipients(ctx context.Context, acc *domain.Account, activity map[string]any) []string {
	followersIRI := util.GetIRI(m.domain, acc.Nickname, util.FollowersIRI)
	seen := map[string]bool{}
	var inboxes []string
	add := func(remote *domain.RemoteAccount) {
		if m.blocks != nil && m.blocks.IsBlockedActor(remote.Username, remote.Domain) {
			return
		}
		inbox := remote.DeliveryInbox()
		if inbox != "" && !seen[inbox] {
			seen[inbox] = true
			inboxes = append(inboxes, inbox)
		}
	}

	for _, addr := range addresses(activity) {
		switch {
		case isPublic(addr):
		case addr == followersIRI:
			err, follows := m.db.ReadFollowersByAccountId(acc.Id)
			if err != nil {
				m.log.Warnw("Outbox: failed to read followers", "account", acc.Nickname, "error", err)
				continue
			}
			for _, follow := range *follows {
				err, remote := m.db.ReadRemoteAccountById(follow.AccountId)
				if err != nil {
					continue
				}
				add(remote)
			}
		case strings.EqualFold(util.HostOf(addr), m.domain):
			// local addressees need no delivery
		default:
			if m.blocks != nil && m.blocks.IsBlockedDomain(util.HostOf(addr)) {
				continue
			}
			remote, err := m.ResolveActor(ctx, addr)
			if err != nil {
				m.log.Infow("Outbox: cannot resolve addressee", "addressee", addr, "error", err)
				continue
			}
			add(remote)
		}
	}
	return inboxes
}

// ResolveActor returns the cached actor, fetching it when unknown or stale.
func (m *Manager) ResolveActor(ctx context.Context, actorIRI string) (*domain.RemoteAccount, error) {
	err, cached := m.db.ReadRemoteAccountByURI(actorIRI)
	if err == nil && m.now().Sub(cached.LastFetchedAt) < m.actorTTL {
		return cached, nil
	}
	fetched, fetchErr := m.client.FetchActor(ctx, actorIRI)
	if fetchErr != nil {
		if err == nil {
			// stale is better than nothing for addressing
			return cached, nil
		}
		return nil, fetchErr
	}
	if err := m.db.UpsertRemoteAccount(fetched); err != nil {
		return nil, err
	}
	return fetched, nil
}

// SendAccept answers a Follow from remote.
func (m *Manager) SendAccept(ctx context.Context, acc *domain.Account, remote *domain.RemoteAccount, follow map[string]any) (string, error) {
	return m.Send(ctx, acc, map[string]any{
		"@context": ActivityStreamsContext,
		"type":     "Accept",
		"to":       []any{remote.ActorURI},
		"object":   follow,
	})
}

// SendDelete federates the removal of one of acc's objects.
func (m *Manager) SendDelete(ctx context.Context, acc *domain.Account, objectURI string) (string, error) {
	return m.Send(ctx, acc, map[string]any{
		"@context": ActivityStreamsContext,
		"type":     "Delete",
		"to":       []any{util.PublicCollection},
		"cc":       []any{util.GetIRI(m.domain, acc.Nickname, util.FollowersIRI)},
		"object": map[string]any{
			"id":   objectURI,
			"type": "Tombstone",
		},
	})
}
