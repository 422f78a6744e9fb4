package daemons

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/renameio/v2"
	"github.com/gorilla/feeds"
	"go.uber.org/zap"

	"github.com/deemkeen/stegofed/db"
	"github.com/deemkeen/stegofed/util"
)

// NewswireFile is the feed written below the data directory.
const NewswireFile = "newswire.xml"

const newswireItems = 40

// Newswire periodically renders recent local and federated posts into an
// RSS file served at /newswire.xml.
type Newswire struct {
	db       *db.DB
	path     string
	domain   string
	interval time.Duration
	log      *zap.SugaredLogger
	now      func() time.Time
}

func NewNewswire(database *db.DB, path string, conf *util.AppConfig, logger *zap.SugaredLogger) *Newswire {
	return &Newswire{
		db:       database,
		path:     path,
		domain:   conf.Conf.Domain,
		interval: conf.Conf.NewswireInterval,
		log:      util.OrNop(logger),
		now:      time.Now,
	}
}

func (n *Newswire) Path() string {
	return n.path
}

func (n *Newswire) Run(ctx context.Context) error {
	n.log.Infow("Newswire: started", "interval", n.interval, "path", n.path)
	return every(ctx, n.interval, func(ctx context.Context) {
		if err := n.RunOnce(); err != nil {
			n.log.Errorw("Newswire: refresh failed", "error", err)
		}
	})
}

type post struct {
	Id           string `json:"id"`
	Type         string `json:"type"`
	Name         string `json:"name"`
	Summary      string `json:"summary"`
	Content      string `json:"content"`
	URL          any    `json:"url"`
	AttributedTo any    `json:"attributedTo"`
	Published    string `json:"published"`
}

func parsePost(raw string) (*post, bool) {
	var activity struct {
		Actor  string          `json:"actor"`
		Object json.RawMessage `json:"object"`
	}
	if err := json.Unmarshal([]byte(raw), &activity); err != nil {
		return nil, false
	}
	var p post
	if err := json.Unmarshal(activity.Object, &p); err != nil || p.Id == "" {
		return nil, false
	}
	if _, ok := p.AttributedTo.(string); !ok {
		p.AttributedTo = activity.Actor
	}
	return &p, true
}

func (p *post) item(fallback time.Time) *feeds.Item {
	link := p.Id
	if u, ok := p.URL.(string); ok && u != "" {
		link = u
	}
	created := fallback
	if t, err := time.Parse(time.RFC3339, p.Published); err == nil {
		created = t
	}
	title := p.Name
	if title == "" {
		title = p.Summary
	}
	if title == "" {
		title = created.UTC().Format("2006-01-02 15:04")
	}
	author, _ := p.AttributedTo.(string)
	return &feeds.Item{
		Id:      p.Id,
		Title:   title,
		Link:    &feeds.Link{Href: link},
		Content: p.Content,
		Author:  &feeds.Author{Name: author},
		Created: created,
	}
}

// Render builds the feed from the newest posts.
func (n *Newswire) Render() (string, error) {
	var items []*feeds.Item

	err, local := n.db.ReadRecentLocalCreates(newswireItems)
	if err != nil {
		return "", fmt.Errorf("failed to read local posts: %w", err)
	}
	for _, entry := range *local {
		if p, ok := parsePost(entry.RawJSON); ok {
			items = append(items, p.item(entry.CreatedAt))
		}
	}

	err, federated := n.db.ReadFederatedActivities(newswireItems)
	if err != nil {
		return "", fmt.Errorf("failed to read federated posts: %w", err)
	}
	for _, activity := range *federated {
		if p, ok := parsePost(activity.RawJSON); ok {
			items = append(items, p.item(activity.CreatedAt))
		}
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].Created.After(items[j].Created) })
	if len(items) > newswireItems {
		items = items[:newswireItems]
	}

	feed := &feeds.Feed{
		Title:       fmt.Sprintf("%s newswire", n.domain),
		Link:        &feeds.Link{Href: fmt.Sprintf("https://%s/newswire.xml", n.domain)},
		Description: fmt.Sprintf("Recent posts seen by %s", n.domain),
		Author:      &feeds.Author{Name: n.domain},
		Created:     n.now(),
		Items:       items,
	}
	return feed.ToRss()
}

// RunOnce renders the feed and atomically replaces the file.
func (n *Newswire) RunOnce() error {
	rss, err := n.Render()
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(n.path, []byte(rss), 0o644); err != nil {
		return fmt.Errorf("failed to write newswire: %w", err)
	}
	n.log.Debugw("Newswire: refreshed", "path", n.path)
	return nil
}
