// Package timeline is the client-side view of one conversation: an ordered
// message list with backward paging and optimistic sends.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"matchtalk/pkg/conversation"
	"matchtalk/pkg/delivery"
	"matchtalk/pkg/message"
)

const (
	// PageSize is the number of messages requested per history fetch.
	PageSize = 20
	// MatchWindow bounds how far apart an optimistic entry and its server
	// copy may be when no client temp id is echoed.
	MatchWindow = 2 * time.Minute
)

// ErrUnknownEntry is returned for a temp id the timeline does not hold.
var ErrUnknownEntry = errors.New("timeline entry not found")

// Fetcher loads a page in ascending createdAt order. before 0 means latest.
type Fetcher interface {
	Page(ctx context.Context, conversationID string, before int64, limit int) ([]message.Message, error)
}

// Dispatcher hands an optimistic message to the delivery pipeline.
type Dispatcher interface {
	Dispatch(m message.Message)
}

// Entry is one displayed message. ID is empty until the server copy is merged.
type Entry struct {
	message.Message
	Status     delivery.Status
	InsertedAt time.Time
	LastError  error
}

// Confirmed reports whether the entry carries a server id.
func (e Entry) Confirmed() bool { return e.ID != "" }

// Key is the id the entry is addressed by: server id, else temp id.
func (e Entry) Key() string {
	if e.ID != "" {
		return e.ID
	}
	return e.ClientTempID
}

// Outcome reports what Reconcile did with a server message.
type Outcome int

const (
	// Duplicate means the server id was already held.
	Duplicate Outcome = iota
	// Replaced means an optimistic entry took the server copy.
	Replaced
	// Appended means the message was new to the timeline.
	Appended
)

// Timeline is safe for concurrent use by the stream loop and the caller.
type Timeline struct {
	conversationID string
	fetch          Fetcher
	dispatch       Dispatcher
	now            func() time.Time

	mu       sync.Mutex
	entries  []*Entry
	byID     map[string]*Entry
	byTemp   map[string]*Entry
	reads    map[string]int64
	hasMore  bool
	loading  bool
	lastTemp int64
}

func New(conversationID string, fetch Fetcher, dispatch Dispatcher) (*Timeline, error) {
	if err := conversation.Validate(conversationID); err != nil {
		return nil, err
	}
	return &Timeline{
		conversationID: conversationID,
		fetch:          fetch,
		dispatch:       dispatch,
		now:            time.Now,
		byID:           make(map[string]*Entry),
		byTemp:         make(map[string]*Entry),
		reads:          make(map[string]int64),
	}, nil
}

func (t *Timeline) ConversationID() string { return t.conversationID }

// LoadInitial fetches the latest page. Unconfirmed local entries survive and
// are reconciled against the page, as do confirmed entries that are newer
// than the page.
func (t *Timeline) LoadInitial(ctx context.Context) ([]Entry, error) {
	if !t.beginLoad(true) {
		return t.Messages(), nil
	}
	page, err := t.fetch.Page(ctx, t.conversationID, 0, PageSize)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.loading = false
	if err != nil {
		return nil, fmt.Errorf("load latest messages: %w", err)
	}

	// Confirmed entries at or after the page's oldest message stay: the
	// stream may have delivered them after the server took its snapshot.
	floor := int64(-1)
	for _, m := range page {
		if floor < 0 || m.CreatedAt < floor {
			floor = m.CreatedAt
		}
	}
	kept := t.entries[:0]
	for _, e := range t.entries {
		if e.Confirmed() && e.CreatedAt < floor {
			delete(t.byID, e.ID)
			if e.ClientTempID != "" && t.byTemp[e.ClientTempID] == e {
				delete(t.byTemp, e.ClientTempID)
			}
			continue
		}
		kept = append(kept, e)
	}
	clear(t.entries[len(kept):])
	t.entries = kept
	for _, m := range page {
		t.reconcileLocked(m)
	}
	t.hasMore = len(page) >= PageSize
	t.sortLocked()
	return t.snapshotLocked(), nil
}

// LoadOlder prepends the page before the oldest confirmed message. It
// returns how many entries were added and is a no-op while a load is in
// flight or once the start of the conversation was reached.
func (t *Timeline) LoadOlder(ctx context.Context) (int, error) {
	if !t.beginLoad(false) {
		return 0, nil
	}
	t.mu.Lock()
	cursor := t.oldestLocked()
	t.mu.Unlock()

	page, err := t.fetch.Page(ctx, t.conversationID, cursor, PageSize)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.loading = false
	if err != nil {
		return 0, fmt.Errorf("load older messages: %w", err)
	}
	added := 0
	for _, m := range page {
		if _, ok := t.byID[m.ID]; ok {
			continue
		}
		e := &Entry{Message: m, InsertedAt: t.now()}
		t.entries = append(t.entries, e)
		t.byID[m.ID] = e
		added++
	}
	if len(page) < PageSize {
		t.hasMore = false
	}
	t.sortLocked()
	return added, nil
}

func (t *Timeline) beginLoad(initial bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.loading || (!initial && !t.hasMore) {
		return false
	}
	t.loading = true
	return true
}

func (t *Timeline) oldestLocked() int64 {
	for _, e := range t.entries {
		if e.Confirmed() {
			return e.CreatedAt
		}
	}
	if len(t.entries) > 0 {
		return t.entries[0].CreatedAt
	}
	return 0
}

// SendOptimistic appends a pending entry and hands it to the dispatcher.
func (t *Timeline) SendOptimistic(fromUserID, toUserID, text string) (string, error) {
	t.mu.Lock()
	now := t.now()
	tempID := t.nextTempIDLocked(now)
	e := &Entry{
		Message: message.Message{
			ConversationID: t.conversationID,
			FromUserID:     fromUserID,
			ToUserID:       toUserID,
			Text:           text,
			CreatedAt:      now.UnixMilli(),
			ClientTempID:   tempID,
		},
		Status:     delivery.StatusPending,
		InsertedAt: now,
	}
	t.entries = append(t.entries, e)
	t.byTemp[tempID] = e
	t.sortLocked()
	m := e.Message
	t.mu.Unlock()

	if t.dispatch != nil {
		t.dispatch.Dispatch(m)
	}
	return tempID, nil
}

// nextTempIDLocked is strictly increasing for the process lifetime and does
// not restart at zero, so server-side dedupe never matches an older message.
func (t *Timeline) nextTempIDLocked(now time.Time) string {
	n := now.UnixNano()
	if n <= t.lastTemp {
		n = t.lastTemp + 1
	}
	t.lastTemp = n
	return "tmp-" + strconv.FormatInt(n, 10)
}

// Reconcile merges a server message. Calling it twice with the same message
// leaves a single entry.
func (t *Timeline) Reconcile(m message.Message) Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.reconcileLocked(m)
	if out != Duplicate {
		t.sortLocked()
	}
	return out
}

func (t *Timeline) reconcileLocked(m message.Message) Outcome {
	if existing, ok := t.byID[m.ID]; ok {
		if m.ReadAt != nil && (existing.ReadAt == nil || *m.ReadAt > *existing.ReadAt) {
			existing.ReadAt = m.ReadAt
		}
		return Duplicate
	}

	if e := t.counterpartLocked(m); e != nil {
		tempID := e.ClientTempID
		e.Message = m
		e.ClientTempID = tempID
		if e.Status.Unconfirmed() {
			e.Status = delivery.StatusSent
		}
		e.LastError = nil
		t.byID[m.ID] = e
		return Replaced
	}

	e := &Entry{Message: m, InsertedAt: t.now()}
	t.entries = append(t.entries, e)
	t.byID[m.ID] = e
	if m.ClientTempID != "" {
		t.byTemp[m.ClientTempID] = e
	}
	return Appended
}

// counterpartLocked finds the optimistic entry m confirms: the echoed temp
// id when present, else the oldest unconfirmed entry with the same
// direction and text inside MatchWindow.
func (t *Timeline) counterpartLocked(m message.Message) *Entry {
	if m.ClientTempID != "" {
		if e, ok := t.byTemp[m.ClientTempID]; ok && !e.Confirmed() && e.FromUserID == m.FromUserID {
			return e
		}
	}

	text := strings.TrimSpace(m.Text)
	now := t.now()
	var best *Entry
	for _, e := range t.entries {
		if e.Confirmed() || e.ClientTempID == "" {
			continue
		}
		if e.FromUserID != m.FromUserID || e.ToUserID != m.ToUserID {
			continue
		}
		if strings.TrimSpace(e.Text) != text {
			continue
		}
		if !withinWindow(e, m, now) {
			continue
		}
		if best == nil || e.InsertedAt.Before(best.InsertedAt) {
			best = e
		}
	}
	return best
}

func withinWindow(e *Entry, m message.Message, now time.Time) bool {
	if e.CreatedAt == 0 || m.CreatedAt == 0 {
		return now.Sub(e.InsertedAt) <= MatchWindow
	}
	d := m.CreatedAt - e.CreatedAt
	if d < 0 {
		d = -d
	}
	return d <= MatchWindow.Milliseconds()
}

// ApplyReadReceipt records that userID read everything up to readAt. Older
// receipts are ignored. Messages sent to userID move to read.
func (t *Timeline) ApplyReadReceipt(userID string, readAt int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if readAt <= t.reads[userID] {
		return false
	}
	t.reads[userID] = readAt
	for _, e := range t.entries {
		if e.ToUserID != userID || e.CreatedAt > readAt {
			continue
		}
		if e.ReadAt == nil || *e.ReadAt < readAt {
			ra := readAt
			e.ReadAt = &ra
		}
		if e.Status.CanTransition(delivery.StatusRead) {
			e.Status = delivery.StatusRead
		}
	}
	return true
}

// LastRead returns the stored read watermark for userID.
func (t *Timeline) LastRead(userID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reads[userID]
}

// IsReadBy reports whether userID has read e.
func (t *Timeline) IsReadBy(e Entry, userID string) bool {
	return t.LastRead(userID) >= e.CreatedAt
}

// MarkSent records a successful send. confirmed may be empty when only the
// status is known.
func (t *Timeline) MarkSent(tempID string, confirmed message.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byTemp[tempID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, tempID)
	}
	if confirmed.ID != "" && !e.Confirmed() {
		if other, dup := t.byID[confirmed.ID]; dup && other != e {
			// the stream copy was appended before the send returned
			t.removeLocked(e)
			other.ClientTempID = tempID
			if other.Status == delivery.StatusNone {
				other.Status = delivery.StatusSent
			}
			t.byTemp[tempID] = other
			return nil
		}
		e.Message = confirmed
		e.ClientTempID = tempID
		t.byID[confirmed.ID] = e
		t.sortLocked()
	}
	e.LastError = nil
	if e.Status.Unconfirmed() {
		e.Status = delivery.StatusSent
	}
	return nil
}

// MarkFailed leaves the entry visible with a failed status.
func (t *Timeline) MarkFailed(tempID string, cause error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byTemp[tempID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, tempID)
	}
	next, err := e.Status.Advance(delivery.StatusFailed)
	if err != nil {
		return err
	}
	e.Status = next
	e.LastError = cause
	return nil
}

// MarkDelivered handles a message_delivered envelope for messageID.
func (t *Timeline) MarkDelivered(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[messageID]
	if !ok || !e.Status.CanTransition(delivery.StatusDelivered) {
		return false
	}
	e.Status = delivery.StatusDelivered
	return true
}

// Resend moves a failed entry back to pending and dispatches it again.
func (t *Timeline) Resend(tempID string) error {
	t.mu.Lock()
	e, ok := t.byTemp[tempID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownEntry, tempID)
	}
	if e.Status != delivery.StatusFailed {
		t.mu.Unlock()
		return fmt.Errorf("%w: resend from %q", delivery.ErrInvalidTransition, e.Status)
	}
	e.Status = delivery.StatusPending
	e.LastError = nil
	m := e.Message
	t.mu.Unlock()

	if t.dispatch != nil {
		t.dispatch.Dispatch(m)
	}
	return nil
}

// Get looks an entry up by server id or temp id.
func (t *Timeline) Get(key string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.byID[key]; ok {
		return *e, true
	}
	if e, ok := t.byTemp[key]; ok {
		return *e, true
	}
	return Entry{}, false
}

// Messages returns a copy of the timeline in ascending createdAt order.
func (t *Timeline) Messages() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Timeline) HasMore() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasMore
}

func (t *Timeline) Loading() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loading
}

func (t *Timeline) snapshotLocked() []Entry {
	out := make([]Entry, len(t.entries))
	for i, e := range t.entries {
		out[i] = *e
	}
	return out
}

func (t *Timeline) removeLocked(e *Entry) {
	t.entries = slices.DeleteFunc(t.entries, func(x *Entry) bool { return x == e })
	if e.ClientTempID != "" && t.byTemp[e.ClientTempID] == e {
		delete(t.byTemp, e.ClientTempID)
	}
	if other, ok := t.byID[e.ID]; ok && other == e {
		delete(t.byID, e.ID)
	}
}

// sortLocked keeps insertion order among equal timestamps.
func (t *Timeline) sortLocked() {
	sort.SliceStable(t.entries, func(i, j int) bool {
		return t.entries[i].CreatedAt < t.entries[j].CreatedAt
	})
}
