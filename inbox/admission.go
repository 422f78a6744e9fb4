// Package inbox admits inbound activities into the durable queue and drains
// that queue through the signature verifier into per-type handlers.
package inbox

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/deemkeen/stegofed/blocklist"
	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/metrics"
	"github.com/deemkeen/stegofed/queue"
	"github.com/deemkeen/stegofed/util"
)

// addressedTypes are activities some peers send without a to field.
var addressedTypes = map[string]bool{
	"Follow": true, "Like": true, "EmojiReact": true,
	"Add": true, "Remove": true, "Ignore": true,
}

// AccountReader resolves the nickname of a personal inbox.
type AccountReader interface {
	ReadAccByNickname(nickname string) (error, *domain.Account)
}

// Restarter is signalled when an overflow cleared the queue.
type Restarter interface {
	Restart()
}

// Request is one inbound POST as seen by admission.
type Request struct {
	Path       string
	Nickname   string
	Body       []byte
	Headers    map[string]string
	ReceivedAt time.Time
}

// Controller is the Inbox Admission Controller. It never checks signatures;
// that is left to the worker so admission stays cheap.
type Controller struct {
	queue      *queue.Queue
	blocks     *blocklist.Cache
	accounts   AccountReader
	restarter  Restarter
	domain     string
	maxBytes   int64
	allowLocal bool
	metrics    *metrics.Metrics
	log        *zap.SugaredLogger
}

func NewController(q *queue.Queue, blocks *blocklist.Cache, accounts AccountReader, conf *util.AppConfig, m *metrics.Metrics, logger *zap.SugaredLogger) *Controller {
	return &Controller{
		queue:      q,
		blocks:     blocks,
		accounts:   accounts,
		domain:     conf.Conf.Domain,
		maxBytes:   conf.Conf.MaxPostBytes,
		allowLocal: conf.Conf.AllowLocalNetwork,
		metrics:    m,
		log:        util.OrNop(logger),
	}
}

// SetRestarter wires the queue worker supervisor once it exists.
func (c *Controller) SetRestarter(r Restarter) {
	c.restarter = r
}

// Admit validates req and queues it. The returned error is nil or maps to
// a status code through StatusCode.
func (c *Controller) Admit(req *Request) (string, error) {
	id, err := c.admit(req)
	code := StatusCode(err)
	c.metrics.Admission(code)
	if err != nil {
		c.log.Infow("Inbox: rejected activity",
			"path", req.Path,
			"status", code,
			"size", humanize.Bytes(uint64(len(req.Body))),
			"error", err)
		return "", err
	}
	c.log.Debugw("Inbox: queued activity", "path", req.Path, "id", id, "queue", c.queue.Len())
	return id, nil
}

func (c *Controller) admit(req *Request) (string, error) {
	if req.Nickname != "" {
		if err, _ := c.accounts.ReadAccByNickname(req.Nickname); err != nil {
			return "", reject(http.StatusForbidden, "unknown account %q", req.Nickname)
		}
	}
	if c.maxBytes > 0 && int64(len(req.Body)) > c.maxBytes {
		return "", reject(http.StatusBadRequest, "body of %d bytes exceeds limit", len(req.Body))
	}

	var envelope struct {
		Context json.RawMessage `json:"@context"`
		Actor   json.RawMessage `json:"actor"`
	}
	if err := json.Unmarshal(req.Body, &envelope); err != nil {
		return "", reject(http.StatusBadRequest, "invalid JSON: %v", err)
	}

	// 1. linked-data context
	if !hasKnownContext(envelope.Context) {
		return "", reject(http.StatusBadRequest, "missing or unknown @context")
	}

	// 2. actor
	actor, err := actorIRI(envelope.Actor)
	if err != nil {
		return "", reject(http.StatusBadRequest, "%v", err)
	}

	// 3. field types
	shape, object, err := decodeShape(req.Body)
	if err != nil {
		return "", reject(http.StatusBadRequest, "%v", err)
	}

	// 4. local network actors
	actorHost := util.HostOf(actor)
	if !c.allowLocal && util.IsLocalNetworkHost(actorHost) {
		return "", reject(http.StatusBadRequest, "actor %s is on a local network", actor)
	}

	// 5. block list
	if c.blocks != nil {
		if c.blocks.IsBlockedDomain(actorHost) || c.blocks.IsBlockedActorIRI(actor) {
			return "", reject(http.StatusBadRequest, "actor %s is blocked", actor)
		}
		for _, tag := range hashtags(req.Body) {
			if c.blocks.IsBlockedHashtag(tag) {
				return "", reject(http.StatusBadRequest, "hashtag #%s is blocked", tag)
			}
		}
	}

	// 6. backpressure
	if c.queue.Len() >= c.queue.Max() {
		return "", c.overflow()
	}

	// 7. normalization
	var activity map[string]any
	if err := json.Unmarshal(req.Body, &activity); err != nil {
		return "", reject(http.StatusBadRequest, "malformed activity: %v", err)
	}
	c.normalize(activity, string(shape.Type), req.Nickname)

	// 8. embedded local links
	if !c.allowLocal {
		if host := c.localLink(object, activity); host != "" {
			return "", reject(http.StatusBadRequest, "content links to local address %s", host)
		}
	}

	// 9. persist
	normalized, err := json.Marshal(activity)
	if err != nil {
		return "", reject(http.StatusBadRequest, "cannot encode activity: %v", err)
	}
	rec := &domain.QueuedActivity{
		Nickname:   req.Nickname,
		Path:       req.Path,
		Body:       req.Body,
		Activity:   normalized,
		Original:   json.RawMessage(req.Body),
		Headers:    req.Headers,
		ReceivedAt: req.ReceivedAt,
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now()
	}
	id, err := c.queue.Enqueue(rec, actorHost)
	if errors.Is(err, queue.ErrQueueFull) {
		return "", c.overflow()
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// overflow discards every pending record and asks the worker to restart.
func (c *Controller) overflow() error {
	dropped, err := c.queue.Clear()
	if err != nil {
		c.log.Errorw("Inbox: failed to clear queue", "error", err)
	}
	c.log.Warnw("Inbox: queue full, cleared pending activities", "dropped", dropped, "max", c.queue.Max())
	c.metrics.QueueCleared()
	if c.restarter != nil {
		c.restarter.Restart()
	}
	return reject(http.StatusServiceUnavailable, "queue full")
}

func (c *Controller) normalize(activity map[string]any, typ string, nickname string) {
	if !addressedTypes[typ] {
		return
	}
	if _, ok := activity["to"]; ok {
		return
	}
	switch {
	case activity["object"] != nil && isString(activity["object"]):
		activity["to"] = []any{activity["object"]}
	case nickname != "":
		activity["to"] = []any{util.GetIRI(c.domain, nickname, util.ActorIRI)}
	}
}

func isString(v any) bool {
	_, ok := v.(string)
	return ok
}

// localLink returns the first link host in the content that points into a
// local network.
func (c *Controller) localLink(object *objectShape, activity map[string]any) string {
	var texts []string
	if object != nil {
		texts = append(texts, string(object.Content), string(object.Summary), string(object.URL))
	}
	if content, ok := activity["content"].(string); ok {
		texts = append(texts, content)
	}
	for _, text := range texts {
		for _, host := range util.LinkHosts(text) {
			if strings.EqualFold(util.HostOf("https://"+host), c.domain) {
				continue
			}
			if util.IsLocalNetworkHost(host) {
				return host
			}
		}
	}
	return ""
}

// hashtags returns the names of Hashtag entries in the object's tag list.
func hashtags(body []byte) []string {
	var doc struct {
		Object json.RawMessage `json:"object"`
	}
	if json.Unmarshal(body, &doc) != nil || len(doc.Object) == 0 || doc.Object[0] != '{' {
		return nil
	}
	var object struct {
		Tag []json.RawMessage `json:"tag"`
	}
	if json.Unmarshal(doc.Object, &object) != nil {
		return nil
	}
	var tags []string
	for _, raw := range object.Tag {
		var tag struct {
			Type string `json:"type"`
			Name string `json:"name"`
		}
		if json.Unmarshal(raw, &tag) == nil && tag.Type == "Hashtag" && tag.Name != "" {
			tags = append(tags, strings.TrimPrefix(tag.Name, "#"))
		}
	}
	return tags
}
