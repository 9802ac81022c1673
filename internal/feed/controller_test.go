package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"campusport.org/internal/notification"
	"campusport.org/internal/session"
)

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[int]notification.Page
	err   error
	calls int
	block chan struct{} // when non-nil, Notifications waits until closed
}

func (f *fakeFetcher) Notifications(ctx context.Context, page, limit int) (notification.Page, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return notification.Page{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return notification.Page{}, f.err
	}
	p, ok := f.pages[page]
	if !ok {
		return notification.Page{Pagination: notification.PageInfo{Page: page, Limit: limit}}, nil
	}
	return p, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeChannel struct {
	connected bool
	marked    int
	err       error
}

func (c *fakeChannel) IsConnected() bool { return c.connected }

func (c *fakeChannel) MarkAllRead() error {
	c.marked++
	return c.err
}

func notif(i int, read bool) notification.Notification {
	return notification.Notification{
		ID:        fmt.Sprintf("n-%02d", i),
		Type:      notification.TypeAssignmentCreated,
		Message:   fmt.Sprintf("notification %d", i),
		Read:      read,
		CreatedAt: time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC).Add(-time.Duration(i) * time.Minute),
	}
}

// pageOf builds a newest-first page: item numbering grows with age.
func pageOf(page, limit, total, from int) notification.Page {
	items := make([]notification.Notification, 0, limit)
	for i := from; i < from+limit && i <= total; i++ {
		items = append(items, notif(i, i%2 == 0))
	}
	return notification.Page{
		Items:      items,
		Pagination: notification.PageInfo{Page: page, Limit: limit, Total: total},
	}
}

func loggedInStore() *session.Store {
	store := session.NewStore(nil)
	store.Login("tok-1", session.Identity{ID: "u-1", Name: "Sam", Role: session.RoleStudent})
	return store
}

func TestLoadFirstThenNextPage(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[int]notification.Page{
		1: pageOf(1, 10, 25, 1),
		2: pageOf(2, 10, 25, 11),
	}}
	c := New(fetcher, nil, nil)

	if err := c.LoadFirstPage(context.Background()); err != nil {
		t.Fatalf("LoadFirstPage: %v", err)
	}
	if got := len(c.Items()); got != 10 {
		t.Fatalf("expected 10 items after first page, got %d", got)
	}
	if !c.HasMore() {
		t.Fatalf("10 of 25 loaded, HasMore must be true")
	}

	if err := c.LoadNextPage(context.Background()); err != nil {
		t.Fatalf("LoadNextPage: %v", err)
	}
	items := c.Items()
	if len(items) != 20 {
		t.Fatalf("expected 20 items after second page, got %d", len(items))
	}
	if items[0].ID != "n-01" || items[10].ID != "n-11" {
		t.Fatalf("pages out of order: first=%s eleventh=%s", items[0].ID, items[10].ID)
	}
	if cur := c.Cursor(); cur.Page != 2 || cur.Total != 25 {
		t.Fatalf("unexpected cursor: %+v", cur)
	}
	if !c.HasMore() {
		t.Fatalf("20 of 25 loaded, HasMore must be true")
	}
}

func TestLoadNextPageSkipsDuplicates(t *testing.T) {
	// Page 2 overlaps page 1 by one item, as happens when a notification is
	// created between the two fetches and shifts the pagination window.
	page2 := pageOf(2, 10, 25, 11)
	page2.Items = append([]notification.Notification{notif(10, true)}, page2.Items...)
	fetcher := &fakeFetcher{pages: map[int]notification.Page{
		1: pageOf(1, 10, 25, 1),
		2: page2,
	}}
	c := New(fetcher, nil, nil)

	if err := c.LoadFirstPage(context.Background()); err != nil {
		t.Fatalf("LoadFirstPage: %v", err)
	}
	if err := c.LoadNextPage(context.Background()); err != nil {
		t.Fatalf("LoadNextPage: %v", err)
	}

	seen := map[string]int{}
	for _, n := range c.Items() {
		seen[n.ID]++
		if seen[n.ID] > 1 {
			t.Fatalf("duplicate id %s in merged list", n.ID)
		}
	}
}

func TestLoadNextPageSingleFlight(t *testing.T) {
	block := make(chan struct{})
	fetcher := &fakeFetcher{
		pages: map[int]notification.Page{
			1: pageOf(1, 10, 25, 1),
			2: pageOf(2, 10, 25, 11),
		},
	}
	c := New(fetcher, nil, nil)
	if err := c.LoadFirstPage(context.Background()); err != nil {
		t.Fatalf("LoadFirstPage: %v", err)
	}

	fetcher.mu.Lock()
	fetcher.block = block
	fetcher.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- c.LoadNextPage(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for !c.IsLoadingMore() {
		if time.Now().After(deadline) {
			t.Fatal("first LoadNextPage never started")
		}
		time.Sleep(time.Millisecond)
	}

	before := fetcher.callCount()
	if err := c.LoadNextPage(context.Background()); err != nil {
		t.Fatalf("overlapping LoadNextPage: %v", err)
	}
	if fetcher.callCount() != before {
		t.Fatalf("overlapping LoadNextPage must not fetch")
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("LoadNextPage: %v", err)
	}
	if got := len(c.Items()); got != 20 {
		t.Fatalf("expected 20 items, got %d", got)
	}
}

func TestLoadNextPageNoOpWithoutMore(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[int]notification.Page{
		1: pageOf(1, 10, 5, 1),
	}}
	c := New(fetcher, nil, nil)

	// Before any first page the cursor is empty, so there is nothing to load.
	if err := c.LoadNextPage(context.Background()); err != nil {
		t.Fatalf("LoadNextPage: %v", err)
	}
	if fetcher.callCount() != 0 {
		t.Fatalf("no fetch expected before the first page")
	}

	if err := c.LoadFirstPage(context.Background()); err != nil {
		t.Fatalf("LoadFirstPage: %v", err)
	}
	if c.HasMore() {
		t.Fatalf("5 of 5 loaded, HasMore must be false")
	}
	calls := fetcher.callCount()
	if err := c.LoadNextPage(context.Background()); err != nil {
		t.Fatalf("LoadNextPage: %v", err)
	}
	if fetcher.callCount() != calls {
		t.Fatalf("exhausted feed must not fetch again")
	}
}

func TestFetchErrorLeavesListUntouched(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[int]notification.Page{
		1: pageOf(1, 10, 25, 1),
	}}
	c := New(fetcher, nil, nil)
	if err := c.LoadFirstPage(context.Background()); err != nil {
		t.Fatalf("LoadFirstPage: %v", err)
	}

	fetcher.mu.Lock()
	fetcher.err = errors.New("backend down")
	fetcher.mu.Unlock()

	if err := c.LoadNextPage(context.Background()); err == nil {
		t.Fatalf("expected error from failed fetch")
	}
	if got := len(c.Items()); got != 10 {
		t.Fatalf("failed fetch must leave the list untouched, got %d items", got)
	}
	if err := c.LoadFirstPage(context.Background()); err == nil {
		t.Fatalf("expected error from failed refresh")
	}
	if got := len(c.Items()); got != 10 {
		t.Fatalf("failed refresh must leave the list untouched, got %d items", got)
	}
	if c.IsLoadingMore() {
		t.Fatalf("loading flag must clear after a failed fetch")
	}
}

func TestPushPrependsNewestFirst(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[int]notification.Page{
		1: pageOf(1, 10, 25, 1),
	}}
	c := New(fetcher, nil, nil)
	if err := c.LoadFirstPage(context.Background()); err != nil {
		t.Fatalf("LoadFirstPage: %v", err)
	}

	p1 := notification.Notification{ID: "p-1", Type: notification.TypeCourseCreated, Message: "first push"}
	p2 := notification.Notification{ID: "p-2", Type: notification.TypeCourseUpdated, Message: "second push"}
	c.Push(p1)
	c.Push(p2)

	items := c.Items()
	if len(items) != 12 {
		t.Fatalf("expected 12 items, got %d", len(items))
	}
	if items[0].ID != "p-2" || items[1].ID != "p-1" {
		t.Fatalf("pushes must be newest first: %s, %s", items[0].ID, items[1].ID)
	}
}

func TestPushMakesTotalALowerBound(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[int]notification.Page{
		1: pageOf(1, 10, 25, 1),
		2: pageOf(2, 10, 25, 11),
		3: pageOf(3, 10, 25, 21),
	}}
	c := New(fetcher, nil, nil)
	if err := c.LoadFirstPage(context.Background()); err != nil {
		t.Fatalf("LoadFirstPage: %v", err)
	}
	if err := c.LoadNextPage(context.Background()); err != nil {
		t.Fatalf("LoadNextPage: %v", err)
	}

	c.Push(notification.Notification{ID: "p-1", Type: notification.TypeLogin})
	if got := len(c.Items()); got != 21 {
		t.Fatalf("expected 21 items, got %d", got)
	}
	// 21 items against a stale total of 25: still more on the server.
	if !c.HasMore() {
		t.Fatalf("HasMore must remain true while the list is shorter than the total")
	}

	if err := c.LoadNextPage(context.Background()); err != nil {
		t.Fatalf("LoadNextPage: %v", err)
	}
	// All 25 fetched plus one push: longer than the total, nothing to pull.
	if got := len(c.Items()); got != 26 {
		t.Fatalf("expected 26 items, got %d", got)
	}
	if c.HasMore() {
		t.Fatalf("list longer than total means nothing more to pull")
	}
}

func TestPushDropsRedeliveredID(t *testing.T) {
	c := New(&fakeFetcher{}, nil, nil)

	n := notification.Notification{ID: "p-1", Type: notification.TypeLogin}
	c.Push(n)
	c.Push(n)

	if got := len(c.Items()); got != 1 {
		t.Fatalf("redelivered id must be dropped, got %d items", got)
	}
}

func TestLoadFirstPageReplacesPushedState(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[int]notification.Page{
		1: pageOf(1, 10, 25, 1),
	}}
	c := New(fetcher, nil, nil)
	if err := c.LoadFirstPage(context.Background()); err != nil {
		t.Fatalf("LoadFirstPage: %v", err)
	}
	c.Push(notification.Notification{ID: "p-1", Type: notification.TypeLogin})

	if err := c.LoadFirstPage(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	items := c.Items()
	if len(items) != 10 {
		t.Fatalf("refresh must replace the list, got %d items", len(items))
	}
	if items[0].ID != "n-01" {
		t.Fatalf("pushed item must not survive a refresh, got %s", items[0].ID)
	}
}

func TestUnreadCountDerivedFromFlags(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[int]notification.Page{
		1: pageOf(1, 10, 10, 1), // odd indices unread: 5 of 10
	}}
	c := New(fetcher, nil, nil)
	if err := c.LoadFirstPage(context.Background()); err != nil {
		t.Fatalf("LoadFirstPage: %v", err)
	}
	if got := c.UnreadCount(); got != 5 {
		t.Fatalf("expected 5 unread, got %d", got)
	}

	c.Push(notification.Notification{ID: "p-1", Type: notification.TypeLogin})
	if got := c.UnreadCount(); got != 6 {
		t.Fatalf("expected 6 unread after push, got %d", got)
	}

	c.MarkRead("p-1")
	if got := c.UnreadCount(); got != 5 {
		t.Fatalf("expected 5 unread after MarkRead, got %d", got)
	}
}

func TestMarkAllReadOptimistic(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[int]notification.Page{
		1: pageOf(1, 10, 10, 1),
	}}
	channel := &fakeChannel{connected: true}
	c := New(fetcher, channel, loggedInStore())
	if err := c.LoadFirstPage(context.Background()); err != nil {
		t.Fatalf("LoadFirstPage: %v", err)
	}

	if err := c.MarkAllRead(); err != nil {
		t.Fatalf("MarkAllRead: %v", err)
	}
	if channel.marked != 1 {
		t.Fatalf("expected one emit, got %d", channel.marked)
	}
	// Flags flip immediately, without waiting for the server.
	if got := c.UnreadCount(); got != 0 {
		t.Fatalf("expected 0 unread after MarkAllRead, got %d", got)
	}
}

func TestMarkAllReadPreconditions(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[int]notification.Page{
		1: pageOf(1, 10, 10, 1),
	}}

	t.Run("disconnected channel", func(t *testing.T) {
		channel := &fakeChannel{connected: false}
		c := New(fetcher, channel, loggedInStore())
		if err := c.LoadFirstPage(context.Background()); err != nil {
			t.Fatalf("LoadFirstPage: %v", err)
		}
		if err := c.MarkAllRead(); err != nil {
			t.Fatalf("MarkAllRead: %v", err)
		}
		if channel.marked != 0 {
			t.Fatalf("disconnected channel must not emit")
		}
		if c.UnreadCount() == 0 {
			t.Fatalf("flags must not flip without an emit")
		}
	})

	t.Run("logged out", func(t *testing.T) {
		channel := &fakeChannel{connected: true}
		c := New(fetcher, channel, session.NewStore(nil))
		if err := c.LoadFirstPage(context.Background()); err != nil {
			t.Fatalf("LoadFirstPage: %v", err)
		}
		if err := c.MarkAllRead(); err != nil {
			t.Fatalf("MarkAllRead: %v", err)
		}
		if channel.marked != 0 {
			t.Fatalf("logged-out session must not emit")
		}
	})

	t.Run("nil channel", func(t *testing.T) {
		c := New(fetcher, nil, loggedInStore())
		if err := c.MarkAllRead(); err != nil {
			t.Fatalf("MarkAllRead: %v", err)
		}
	})
}
