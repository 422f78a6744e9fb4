// Package blocklist holds the in-memory set of blocked domains, actors and
// hashtags, reloaded from a plain text file at a bounded interval.
package blocklist

import (
	"bufio"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/renameio/v2"
	"go.uber.org/zap"

	"github.com/deemkeen/stegofed/util"
)

const FileName = "blocking.txt"

// Set is an immutable snapshot of the block list.
type Set struct {
	Domains  map[string]struct{}
	Actors   map[string]struct{} // "nick@domain"
	Hashtags map[string]struct{} // without the leading '#'
}

func newSet() *Set {
	return &Set{
		Domains:  map[string]struct{}{},
		Actors:   map[string]struct{}{},
		Hashtags: map[string]struct{}{},
	}
}

// Parse reads one entry per line: "domain", "@nick@domain" or "#hashtag".
// Blank lines and lines starting with ';' or "//" are ignored.
func Parse(data []byte) *Set {
	set := newSet()
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "//") {
			continue
		}
		switch {
		case strings.HasPrefix(line, "#"):
			if tag := strings.TrimPrefix(line, "#"); tag != "" {
				set.Hashtags[tag] = struct{}{}
			}
		case strings.Contains(line, "@"):
			handle := strings.TrimPrefix(line, "@")
			if nick, dom, ok := strings.Cut(handle, "@"); ok && nick != "" && dom != "" {
				set.Actors[nick+"@"+dom] = struct{}{}
			}
		default:
			set.Domains[strings.TrimPrefix(line, "*.")] = struct{}{}
		}
	}
	return set
}

// Cache is the shared, mutex guarded block list. Lookups reload the file at
// most once per refresh interval, and only when the file watcher saw a
// change (or no watcher could be installed).
type Cache struct {
	path     string
	interval time.Duration
	log      *zap.SugaredLogger
	now      func() time.Time

	mu          sync.RWMutex
	set         *Set
	lastRefresh time.Time
	loaded      bool
	dirty       bool
	watcher     *fsnotify.Watcher
}

// New creates a cache over path. The file is loaded lazily on first lookup.
func New(path string, interval time.Duration, logger *zap.SugaredLogger) *Cache {
	return &Cache{
		path:     path,
		interval: interval,
		log:      util.OrNop(logger),
		now:      time.Now,
		set:      newSet(),
		dirty:    true,
	}
}

// Watch installs an fsnotify watcher on the block list directory. Without it
// the cache re-reads the file every interval.
func (c *Cache) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	c.mu.Lock()
	c.watcher = watcher
	c.mu.Unlock()

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) == filepath.Clean(c.path) {
					c.mu.Lock()
					c.dirty = true
					c.mu.Unlock()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.log.Warnw("Blocklist: watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watcher == nil {
		return nil
	}
	err := c.watcher.Close()
	c.watcher = nil
	return err
}

// snapshot returns the current set, reloading it when due.
func (c *Cache) snapshot() *Set {
	now := c.now()

	c.mu.RLock()
	due := !c.loaded || (now.Sub(c.lastRefresh) >= c.interval && (c.dirty || c.watcher == nil))
	set := c.set
	c.mu.RUnlock()
	if !due {
		return set
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// another goroutine may have refreshed while we waited
	if c.loaded && now.Sub(c.lastRefresh) < c.interval {
		return c.set
	}
	c.reloadLocked(now)
	return c.set
}

func (c *Cache) reloadLocked(now time.Time) {
	c.lastRefresh = now
	c.loaded = true
	c.dirty = false

	data, err := os.ReadFile(c.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.log.Warnw("Blocklist: failed to read block list, keeping previous set", "path", c.path, "error", err)
			return
		}
		data = nil
	}
	c.set = Parse(data)
	c.log.Debugw("Blocklist: reloaded",
		"domains", len(c.set.Domains),
		"actors", len(c.set.Actors),
		"hashtags", len(c.set.Hashtags))
}

// Refresh forces a reload on the next lookup.
func (c *Cache) Refresh() {
	c.mu.Lock()
	c.loaded = false
	c.mu.Unlock()
}

// IsBlockedDomain matches the domain and every parent domain.
func (c *Cache) IsBlockedDomain(domain string) bool {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	if domain == "" {
		return false
	}
	set := c.snapshot()
	for d := domain; d != ""; {
		if _, ok := set.Domains[d]; ok {
			return true
		}
		_, rest, found := strings.Cut(d, ".")
		if !found {
			break
		}
		d = rest
	}
	return false
}

// IsBlockedActor checks the actor handle and its domain.
func (c *Cache) IsBlockedActor(nickname, domain string) bool {
	if c.IsBlockedDomain(domain) {
		return true
	}
	if nickname == "" {
		return false
	}
	_, ok := c.snapshot().Actors[strings.ToLower(nickname+"@"+domain)]
	return ok
}

// IsBlockedActorIRI checks an actor IRI of the form https://host/.../nick.
func (c *Cache) IsBlockedActorIRI(actor string) bool {
	host := util.HostOf(actor)
	if host == "" {
		return false
	}
	nick := actor[strings.LastIndex(actor, "/")+1:]
	nick = strings.TrimPrefix(nick, "@")
	return c.IsBlockedActor(nick, host)
}

func (c *Cache) IsBlockedHashtag(tag string) bool {
	tag = strings.ToLower(strings.TrimPrefix(tag, "#"))
	_, ok := c.snapshot().Hashtags[tag]
	return ok
}

// Add appends entry to the block list file and reloads it. Existing lines,
// comments included, are kept as they are.
func (c *Cache) Add(entry string) error {
	entry = strings.ToLower(strings.TrimSpace(entry))
	if entry == "" {
		return errors.New("empty block list entry")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.ToLower(strings.TrimSpace(line)) == entry {
			c.reloadLocked(c.now())
			return nil
		}
	}
	if len(data) > 0 && !bytes.HasSuffix(data, []byte("\n")) {
		data = append(data, '\n')
	}
	data = append(data, entry+"\n"...)

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	if err := renameio.WriteFile(c.path, data, 0o644); err != nil {
		return err
	}
	c.reloadLocked(c.now())
	return nil
}
