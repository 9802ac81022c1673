// Package feed maintains the in-memory notification list: a paged pull
// source and the live push source merged into one ordered, deduplicated,
// incrementally loadable feed.
package feed

import (
	"context"
	"sync"

	"campusport.org/internal/notification"
	"campusport.org/internal/obs"
	"campusport.org/internal/session"
)

// Fetcher retrieves one page of notifications from the backend, newest
// first.
type Fetcher interface {
	Notifications(ctx context.Context, page, limit int) (notification.Page, error)
}

// Channel is the slice of the realtime manager the feed needs: connectivity
// for the mark-all precondition and the mark-all-read intent itself.
type Channel interface {
	IsConnected() bool
	MarkAllRead() error
}

// DefaultPageSize is used when no page size option is given.
const DefaultPageSize = 10

// Controller merges the paged fetch source with live pushes. All methods
// are safe for concurrent use.
type Controller struct {
	mu       sync.Mutex
	fetcher  Fetcher
	channel  Channel
	sessions *session.Store
	pageSize int

	items       []notification.Notification
	cursor      notification.PageInfo
	loadingMore bool
	pushed      bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithPageSize overrides the first-page fetch size.
func WithPageSize(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// New creates a controller. The channel and session store may be nil, in
// which case MarkAllRead is always a no-op.
func New(fetcher Fetcher, channel Channel, sessions *session.Store, opts ...Option) *Controller {
	c := &Controller{
		fetcher:  fetcher,
		channel:  channel,
		sessions: sessions,
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LoadFirstPage fetches page 1 and replaces the in-memory list entirely.
// On error the previous list stays authoritative. Concurrent calls are not
// aborted: the last response to apply wins.
func (c *Controller) LoadFirstPage(ctx context.Context) error {
	c.mu.Lock()
	limit := c.pageSize
	c.mu.Unlock()

	page, err := c.fetcher.Notifications(ctx, 1, limit)
	obs.ObserveFeedFetch("first", err)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.items = append([]notification.Notification(nil), page.Items...)
	c.cursor = page.Pagination
	c.pushed = false
	c.mu.Unlock()
	return nil
}

// LoadNextPage fetches the page after the cursor and appends its items. At
// most one next-page fetch is in flight: a call made while another is
// pending is a no-op. A call with nothing more to load is also a no-op.
func (c *Controller) LoadNextPage(ctx context.Context) error {
	c.mu.Lock()
	if c.loadingMore || !c.hasMoreLocked() {
		c.mu.Unlock()
		return nil
	}
	c.loadingMore = true
	page := c.cursor.Page + 1
	limit := c.cursor.Limit
	if limit <= 0 {
		limit = c.pageSize
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.loadingMore = false
		c.mu.Unlock()
	}()

	fetched, err := c.fetcher.Notifications(ctx, page, limit)
	obs.ObserveFeedFetch("next", err)
	if err != nil {
		return err
	}

	c.mu.Lock()
	seen := make(map[string]struct{}, len(c.items))
	for _, n := range c.items {
		seen[n.ID] = struct{}{}
	}
	for _, n := range fetched.Items {
		if _, ok := seen[n.ID]; ok {
			continue
		}
		seen[n.ID] = struct{}{}
		c.items = append(c.items, n)
	}
	c.cursor = fetched.Pagination
	c.mu.Unlock()
	return nil
}

// Push prepends a live notification. Pushes are assumed newer than anything
// already loaded, regardless of timestamps. A redelivered identifier is
// dropped so at-least-once channel delivery never double-inserts.
func (c *Controller) Push(n notification.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.items {
		if existing.ID == n.ID {
			obs.LogEvent("feed_duplicate_push", map[string]any{"id": n.ID})
			return
		}
	}
	c.items = append([]notification.Notification{n}, c.items...)
	c.pushed = true
}

// MarkAllRead emits the mark-all-read intent and optimistically flips every
// in-memory read flag, without waiting for server acknowledgment. Without a
// connected channel and a known identity it is a no-op: the action is only
// offered to the user when both are visibly present.
func (c *Controller) MarkAllRead() error {
	if c.channel == nil || !c.channel.IsConnected() {
		return nil
	}
	if c.sessions == nil || !c.sessions.Snapshot().LoggedIn() {
		return nil
	}
	if err := c.channel.MarkAllRead(); err != nil {
		return nil
	}

	c.mu.Lock()
	for i := range c.items {
		c.items[i].Read = true
	}
	c.mu.Unlock()
	return nil
}

// MarkRead flips one notification's read flag. Flags only ever move from
// unread to read on the client.
func (c *Controller) MarkRead(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.items {
		if c.items[i].ID == id {
			c.items[i].Read = true
			return
		}
	}
}

// Items returns a copy of the current list, newest first.
func (c *Controller) Items() []notification.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]notification.Notification, len(c.items))
	copy(out, c.items)
	return out
}

// UnreadCount is derived from the in-memory read flags, independent of the
// server-pushed counter.
func (c *Controller) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, n := range c.items {
		if !n.Read {
			count++
		}
	}
	return count
}

// HasMore reports whether another page is worth fetching. Once pushes have
// occurred the cursor total is only a lower bound, so the list legitimately
// being longer than the total means there is nothing more to pull.
func (c *Controller) HasMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasMoreLocked()
}

// IsLoadingMore reports whether a next-page fetch is pending.
func (c *Controller) IsLoadingMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadingMore
}

// Cursor returns the pagination bookkeeping from the last fetch.
func (c *Controller) Cursor() notification.PageInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

func (c *Controller) hasMoreLocked() bool {
	return len(c.items) < c.cursor.Total
}
