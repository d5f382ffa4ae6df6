// Package notification keeps the client-side notification feed consistent
// across REST snapshots, push events and optimistic local commands.
package notification

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/portal-sync/internal/domain"
	"github.com/portal-sync/internal/pkg/log"
	"github.com/portal-sync/internal/pkg/merge"
	"github.com/portal-sync/internal/pkg/observe"
	"github.com/rs/zerolog"
)

// API is the REST surface the store needs.
type API interface {
	ListNotifications(ctx context.Context) (*domain.NotificationPage, error)
	MarkNotificationRead(ctx context.Context, id domain.ID) (int, error)
	MarkAllNotificationsRead(ctx context.Context) (int, error)
	DeleteNotification(ctx context.Context, id domain.ID) (int, error)
}

// Snapshot is a consistent copy of the store state.
type Snapshot struct {
	Notifications []domain.Notification `json:"notifications"`
	UnreadCount   int                   `json:"unread_count"`
	Loading       bool                  `json:"loading"`
	Err           error                 `json:"-"`
}

type opKind int

const (
	opRead opKind = iota
	opDelete
)

// pendingOp is the undo record of one record. Several commands may be in
// flight on the same record; prev is the last state the server confirmed
// and is restored only once every one of them has failed.
type pendingOp struct {
	prev    domain.Notification
	tokens  map[uint64]opKind
	lowered int    // amount taken off the unread count locally
	epoch   uint64 // epoch at the time it was taken
}

// kind reports delete while any delete is in flight.
func (p *pendingOp) kind() opKind {
	for _, k := range p.tokens {
		if k == opDelete {
			return opDelete
		}
	}
	return opRead
}

// command is one REST call and the records it targets.
type command struct {
	token   uint64
	epoch   uint64
	kind    opKind
	ids     []domain.ID
	outside int // count lowered for records outside the fetched page
}

// arrivals records push changes that land while a snapshot is in flight so
// they can be replayed onto it.
type arrivals struct {
	created map[domain.ID]domain.Notification
	read    map[domain.ID]time.Time
	deleted map[domain.ID]bool
}

func newArrivals() *arrivals {
	return &arrivals{
		created: make(map[domain.ID]domain.Notification),
		read:    make(map[domain.ID]time.Time),
		deleted: make(map[domain.ID]bool),
	}
}

var byID = merge.Rules[domain.Notification]{
	Same: func(a, b domain.Notification) bool { return a.ID == b.ID },
}

// Store owns the notification list (newest first) and the unread count.
// All mutations go through its methods; each leaves the state consistent
// before any network call is made.
type Store struct {
	api API
	log zerolog.Logger
	now func() time.Time

	mu       sync.Mutex
	items    []domain.Notification
	unread   int
	loading  bool
	err      error
	disposed bool
	pending  map[domain.ID]*pendingOp
	token    uint64
	// epoch advances whenever a server-reported count replaces the local one.
	epoch uint64
	loads int
	// arrivals is non-nil while at least one snapshot request is in flight.
	arrivals *arrivals

	watchers observe.Set[Snapshot]
}

func NewStore(api API) *Store {
	return &Store{
		api:     api,
		log:     log.Component("notification"),
		now:     time.Now,
		pending: make(map[domain.ID]*pendingOp),
	}
}

// Initialize replaces the feed with the REST snapshot. The server's unread
// count is taken as is, adjusted for push events that arrived while the
// request was in flight: those are replayed onto the snapshot. On failure
// the store is reset to an empty feed with a zero count and the error is
// kept for display.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return domain.ErrDisposed
	}
	s.loads++
	if s.arrivals == nil {
		s.arrivals = newArrivals()
	}
	s.loading = true
	s.mu.Unlock()
	s.notify()

	page, err := s.api.ListNotifications(ctx)

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return domain.ErrDisposed
	}
	arrived := s.arrivals
	s.loads--
	if s.loads == 0 {
		s.arrivals = nil
	}
	s.loading = s.loads > 0
	s.pending = make(map[domain.ID]*pendingOp)
	s.epoch++
	if err != nil {
		s.items = nil
		s.unread = 0
		s.err = err
		s.mu.Unlock()
		s.log.Error().Err(err).Msg("notification snapshot failed")
		s.notify()
		return fmt.Errorf("initialize notifications: %w", err)
	}
	s.items, s.unread = arrived.replay(dedupe(page.Notifications), page.UnreadCount)
	s.err = nil
	n, unread := len(s.items), s.unread
	replayed := len(arrived.created) + len(arrived.read) + len(arrived.deleted)
	s.mu.Unlock()

	s.log.Info().Int("count", n).Int("unread", unread).Int("replayed", replayed).Msg("notifications loaded")
	s.notify()
	return nil
}

// OnCreated merges a notification.created push event. A record already in
// the feed is never inserted twice.
func (s *Store) OnCreated(ev domain.NotificationEvent) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	if p := s.pending[ev.Notification.ID]; p != nil && p.kind() == opDelete {
		s.mu.Unlock()
		return
	}
	if a := s.arrivals; a != nil {
		a.created[ev.Notification.ID] = confirmed(ev.Notification)
		delete(a.deleted, ev.Notification.ID)
	}
	var res merge.Result
	s.items, res = merge.Upsert(s.items, confirmed(ev.Notification), merge.Prepend, byID)
	switch {
	case ev.UnreadCount != nil:
		s.setServerCount(*ev.UnreadCount)
	case res == merge.Inserted && ev.Notification.IsUnread():
		s.unread++
	}
	s.mu.Unlock()

	s.log.Debug().Str(log.FieldNotificationID, ev.Notification.ID.String()).Bool("duplicate", res != merge.Inserted).Msg("notification created")
	s.notify()
}

// OnRead merges a notification.read push event. Records not in the feed are
// ignored; the store never builds a record from a read event.
func (s *Store) OnRead(ev domain.NotificationEvent) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	id := ev.Notification.ID
	if a := s.arrivals; a != nil {
		at := s.now()
		if ev.Notification.ReadAt != nil {
			at = *ev.Notification.ReadAt
		}
		a.read[id] = at
	}
	i := s.index(id)
	if i < 0 {
		// A record we are deleting is read on the server; restore it read
		// should the delete fail.
		if p := s.pending[id]; p != nil {
			markRead(&p.prev, ev.Notification.ReadAt, s.now)
		}
		s.mu.Unlock()
		return
	}
	rec := &s.items[i]
	wasUnread := rec.IsUnread()
	switch {
	case ev.Notification.ReadAt != nil && (wasUnread || rec.State == domain.SyncPending):
		rec.ReadAt = ev.Notification.ReadAt
	case wasUnread:
		t := s.now()
		rec.ReadAt = &t
	}
	rec.State = domain.SyncConfirmed
	delete(s.pending, rec.ID)
	switch {
	case ev.UnreadCount != nil:
		s.setServerCount(*ev.UnreadCount)
	case wasUnread:
		s.decrement(1)
	}
	s.mu.Unlock()

	s.log.Debug().Str(log.FieldNotificationID, ev.Notification.ID.String()).Msg("notification read")
	s.notify()
}

// OnDeleted merges a notification.deleted push event. Unknown ids leave the
// feed and the count untouched.
func (s *Store) OnDeleted(ev domain.NotificationEvent) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	id := ev.Notification.ID
	if a := s.arrivals; a != nil {
		a.deleted[id] = true
		delete(a.created, id)
	}
	// An echo of our own pending delete confirms it.
	delete(s.pending, id)
	var removed []domain.Notification
	s.items, removed = merge.RemoveFunc(s.items, func(n domain.Notification) bool { return n.ID == id })
	if len(removed) == 0 {
		s.mu.Unlock()
		return
	}
	switch {
	case ev.UnreadCount != nil:
		s.setServerCount(*ev.UnreadCount)
	case removed[0].IsUnread():
		s.decrement(1)
	}
	s.mu.Unlock()

	s.log.Debug().Str(log.FieldNotificationID, id.String()).Msg("notification deleted")
	s.notify()
}

// MarkAsRead marks one notification read locally, then confirms it with the
// server. On failure the change is rolled back and the error returned,
// unless another command on the same record is still in flight.
func (s *Store) MarkAsRead(ctx context.Context, id domain.ID) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return domain.ErrDisposed
	}
	cmd := s.begin(opRead)
	s.track(cmd, id)
	s.mu.Unlock()
	s.notify()

	count, err := s.api.MarkNotificationRead(ctx, id)
	return s.finish(cmd, count, err, "mark as read")
}

// MarkAllAsRead marks every notification read locally, then confirms it
// with the server.
func (s *Store) MarkAllAsRead(ctx context.Context) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return domain.ErrDisposed
	}
	cmd := s.begin(opRead)
	targets := make([]domain.ID, 0, len(s.items)+len(s.pending))
	for _, n := range s.items {
		targets = append(targets, n.ID)
	}
	for id, p := range s.pending {
		if p.kind() == opDelete {
			targets = append(targets, id)
		}
	}
	for _, id := range targets {
		s.track(cmd, id)
	}
	// Records outside the fetched page are read too once the call succeeds.
	cmd.outside = s.decrement(s.unread)
	s.mu.Unlock()
	s.notify()

	count, err := s.api.MarkAllNotificationsRead(ctx)
	return s.finish(cmd, count, err, "mark all as read")
}

// DeleteNotification removes one notification locally, then confirms the
// delete with the server. A failed delete puts the record back.
func (s *Store) DeleteNotification(ctx context.Context, id domain.ID) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return domain.ErrDisposed
	}
	cmd := s.begin(opDelete)
	s.track(cmd, id)
	s.mu.Unlock()
	s.notify()

	count, err := s.api.DeleteNotification(ctx, id)
	return s.finish(cmd, count, err, "delete")
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Contains reports whether id is in the feed.
func (s *Store) Contains(id domain.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index(id) >= 0
}

// UnreadCount returns the current unread count.
func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// Watch registers fn to receive a snapshot after every change.
func (s *Store) Watch(fn func(Snapshot)) func() {
	return s.watchers.Add(fn)
}

// Dispose detaches the store. Push events become no-ops and commands fail
// with domain.ErrDisposed.
func (s *Store) Dispose() {
	s.mu.Lock()
	s.disposed = true
	s.pending = make(map[domain.ID]*pendingOp)
	s.arrivals = nil
	s.mu.Unlock()
	s.watchers.Clear()
}

func (s *Store) begin(kind opKind) *command {
	s.token++
	return &command{token: s.token, epoch: s.epoch, kind: kind}
}

// track joins cmd to the pending op of id and applies its optimistic
// change. A read command leaves records that are already read and settled
// alone.
func (s *Store) track(cmd *command, id domain.ID) {
	i := s.index(id)
	p := s.pending[id]
	if p == nil {
		if i < 0 || (cmd.kind == opRead && !s.items[i].IsUnread()) {
			return
		}
		p = &pendingOp{prev: s.items[i], tokens: make(map[uint64]opKind)}
		s.pending[id] = p
	}
	p.tokens[cmd.token] = cmd.kind
	cmd.ids = append(cmd.ids, id)
	if i < 0 {
		return
	}
	rec := &s.items[i]
	if rec.IsUnread() {
		p.lowered += s.decrement(1)
		p.epoch = s.epoch
	}
	switch cmd.kind {
	case opRead:
		markRead(rec, nil, s.now)
		rec.State = domain.SyncPending
	case opDelete:
		s.items = append(s.items[:i:i], s.items[i+1:]...)
	}
}

// finish settles a command after its REST call returned.
func (s *Store) finish(cmd *command, count int, err error, what string) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return domain.ErrDisposed
	}
	if err != nil {
		restored := s.rollback(cmd)
		s.mu.Unlock()
		s.log.Warn().Err(err).Int("restored", restored).Msgf("%s failed, rolled back", what)
		s.notify()
		return fmt.Errorf("%s: %w", what, err)
	}
	s.settle(cmd)
	s.setServerCount(count)
	s.mu.Unlock()
	s.notify()
	return nil
}

// settle applies a confirmed command to every record it targeted. The
// server state now includes the change, so it becomes the state a later
// failure of any other command on the record falls back to.
func (s *Store) settle(cmd *command) {
	for _, id := range cmd.ids {
		p := s.pending[id]
		if p == nil {
			continue
		}
		delete(p.tokens, cmd.token)
		if cmd.kind == opDelete {
			delete(s.pending, id)
			continue
		}
		i := s.index(id)
		var at *time.Time
		if i >= 0 {
			at = s.items[i].ReadAt
		}
		markRead(&p.prev, at, s.now)
		if p.kind() == opDelete {
			continue
		}
		delete(s.pending, id)
		if i >= 0 {
			s.items[i].State = domain.SyncConfirmed
		}
	}
}

// rollback withdraws cmd from every record it targeted. A record is put
// back only when no other command on it is still in flight. The unread
// count is restored only when no server count arrived since it was lowered.
func (s *Store) rollback(cmd *command) int {
	restored := 0
	for _, id := range cmd.ids {
		p := s.pending[id]
		if p == nil {
			continue
		}
		if _, ok := p.tokens[cmd.token]; !ok {
			continue
		}
		delete(p.tokens, cmd.token)
		if len(p.tokens) > 0 {
			// A failed delete with a read still in flight shows the record
			// again as being read.
			if cmd.kind == opDelete && p.kind() == opRead && s.index(id) < 0 {
				rec := p.prev
				markRead(&rec, nil, s.now)
				rec.State = domain.SyncPending
				s.items = insertByCreated(s.items, rec)
			}
			continue
		}
		delete(s.pending, id)
		rec := p.prev
		rec.State = domain.SyncRolledBack
		if i := s.index(id); i >= 0 {
			s.items[i] = rec
		} else {
			s.items = insertByCreated(s.items, rec)
		}
		if rec.IsUnread() && s.epoch == p.epoch {
			s.unread += p.lowered
		}
		restored++
	}
	if s.epoch == cmd.epoch {
		s.unread += cmd.outside
	}
	return restored
}

func (s *Store) setServerCount(n int) {
	s.unread = max(n, 0)
	s.epoch++
}

// decrement lowers the count by n without going below zero and returns the
// amount actually removed.
func (s *Store) decrement(n int) int {
	d := min(n, s.unread)
	s.unread -= d
	return d
}

func (s *Store) index(id domain.ID) int {
	return indexOf(s.items, id)
}

func indexOf(items []domain.Notification, id domain.ID) int {
	return merge.Index(items, func(n domain.Notification) bool { return n.ID == id })
}

func (s *Store) snapshotLocked() Snapshot {
	items := make([]domain.Notification, len(s.items))
	copy(items, s.items)
	return Snapshot{Notifications: items, UnreadCount: s.unread, Loading: s.loading, Err: s.err}
}

func (s *Store) notify() {
	s.watchers.Notify(s.Snapshot())
}

func confirmed(n domain.Notification) domain.Notification {
	n.State = domain.SyncConfirmed
	return n
}

// dedupe drops repeated ids, keeping the first occurrence.
func dedupe(in []domain.Notification) []domain.Notification {
	out := make([]domain.Notification, 0, len(in))
	for _, n := range in {
		out, _ = merge.Upsert(out, confirmed(n), merge.Append, byID)
	}
	return out
}

// insertByCreated puts n back at its newest-first position.
func insertByCreated(items []domain.Notification, n domain.Notification) []domain.Notification {
	i := sort.Search(len(items), func(i int) bool { return !items[i].CreatedAt.After(n.CreatedAt) })
	items = append(items, domain.Notification{})
	copy(items[i+1:], items[i:])
	items[i] = n
	return items
}

// markRead stamps n read at at, or now when at is nil. A record already
// read keeps its first read time.
func markRead(n *domain.Notification, at *time.Time, now func() time.Time) {
	if !n.IsUnread() {
		return
	}
	t := now()
	if at != nil {
		t = *at
	}
	n.ReadAt = &t
}

// replay applies the recorded push changes to a fresh snapshot. Changes the
// snapshot already reflects are no-ops, so the count only moves for the ones
// it missed.
func (a *arrivals) replay(items []domain.Notification, unread int) ([]domain.Notification, int) {
	created := make([]domain.Notification, 0, len(a.created))
	for _, n := range a.created {
		created = append(created, n)
	}
	sort.Slice(created, func(i, j int) bool { return created[i].CreatedAt.Before(created[j].CreatedAt) })
	for _, n := range created {
		if indexOf(items, n.ID) >= 0 {
			continue
		}
		items = insertByCreated(items, n)
		if n.IsUnread() {
			unread++
		}
	}
	for id, at := range a.read {
		if i := indexOf(items, id); i >= 0 && items[i].IsUnread() {
			t := at
			items[i].ReadAt = &t
			unread--
		}
	}
	for id := range a.deleted {
		var removed []domain.Notification
		items, removed = merge.RemoveFunc(items, func(n domain.Notification) bool { return n.ID == id })
		if len(removed) > 0 && removed[0].IsUnread() {
			unread--
		}
	}
	return items, max(unread, 0)
}
