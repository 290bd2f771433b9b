// Package memstore is an in-process store.Store. It enforces the same uniqueness and
// reference rules as the Postgres schema and is used in dev mode and in tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nuid"
	"github.com/todo-1m/taskchat/internal/contracts"
	"github.com/todo-1m/taskchat/internal/entity"
	"github.com/todo-1m/taskchat/internal/store"
)

type Store struct {
	Now        func() time.Time
	NewEventID func() string

	mu           sync.Mutex
	profiles     map[string]entity.Profile
	groups       map[string]entity.Group
	groupMembers map[string]map[string]struct{}
	tasks        map[string]entity.Task
	successors   map[string]string
	chatrooms    map[string]entity.Chatroom
	directKeys   map[string]string
	roomMembers  map[string]map[string]struct{}
	messages     map[string]entity.Message
	seq          uint64
	log          []contracts.ChangeEvent
	listeners    map[chan struct{}]struct{}
	offsets      map[string]uint64
	faults       map[string]fault
}

type fault struct {
	err         error
	afterCommit bool
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		Now:          func() time.Time { return time.Now().UTC() },
		NewEventID:   nuid.Next,
		profiles:     map[string]entity.Profile{},
		groups:       map[string]entity.Group{},
		groupMembers: map[string]map[string]struct{}{},
		tasks:        map[string]entity.Task{},
		successors:   map[string]string{},
		chatrooms:    map[string]entity.Chatroom{},
		directKeys:   map[string]string{},
		roomMembers:  map[string]map[string]struct{}{},
		messages:     map[string]entity.Message{},
		listeners:    map[chan struct{}]struct{}{},
		offsets:      map[string]uint64{},
		faults:       map[string]fault{},
	}
}

// FailNext makes the next call of op return err without applying it.
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	s.faults[op] = fault{err: err}
	s.mu.Unlock()
}

// FailAfterCommit makes the next call of op apply its write and then return err, as a
// lost commit acknowledgement would.
func (s *Store) FailAfterCommit(op string, err error) {
	s.mu.Lock()
	s.faults[op] = fault{err: err, afterCommit: true}
	s.mu.Unlock()
}

// DropListeners closes every Listen channel, simulating a lost feed connection.
func (s *Store) DropListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.listeners {
		close(ch)
		delete(s.listeners, ch)
	}
}

func (s *Store) beforeLocked(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f, ok := s.faults[op]; ok && !f.afterCommit {
		delete(s.faults, op)
		return f.err
	}
	return nil
}

func (s *Store) afterLocked(op string) error {
	if f, ok := s.faults[op]; ok && f.afterCommit {
		delete(s.faults, op)
		return f.err
	}
	return nil
}

func (s *Store) UpsertProfile(ctx context.Context, p entity.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beforeLocked(ctx, "UpsertProfile"); err != nil {
		return err
	}
	// Points belong to the stored profile; only identity fields are refreshed.
	if existing, ok := s.profiles[p.ID]; ok {
		p.Points = existing.Points
	}
	s.profiles[p.ID] = p
	return s.afterLocked("UpsertProfile")
}

func (s *Store) GetProfile(ctx context.Context, id string) (entity.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beforeLocked(ctx, "GetProfile"); err != nil {
		return entity.Profile{}, err
	}
	p, ok := s.profiles[id]
	if !ok {
		return entity.Profile{}, store.ErrNotFound
	}
	return p, nil
}

func (s *Store) GetProfiles(ctx context.Context, ids []string) ([]entity.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beforeLocked(ctx, "GetProfiles"); err != nil {
		return nil, err
	}
	out := make([]entity.Profile, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.profiles[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) CreateGroup(ctx context.Context, group entity.Group, members []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beforeLocked(ctx, "CreateGroup"); err != nil {
		return err
	}
	if _, exists := s.groups[group.ID]; exists {
		return store.ErrUniqueViolation
	}
	if err := s.requireProfilesLocked(append([]string{group.CreatedBy}, members...)...); err != nil {
		return err
	}
	s.groups[group.ID] = group
	set := map[string]struct{}{}
	for _, m := range members {
		set[m] = struct{}{}
	}
	s.groupMembers[group.ID] = set
	s.appendLocked(store.GroupChange(contracts.OpInsert, group.ID, members))
	return s.afterLocked("CreateGroup")
}

func (s *Store) AddGroupMember(ctx context.Context, groupID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beforeLocked(ctx, "AddGroupMember"); err != nil {
		return err
	}
	members, ok := s.groupMembers[groupID]
	if !ok {
		return store.ErrNotFound
	}
	if err := s.requireProfilesLocked(userID); err != nil {
		return err
	}
	if _, exists := members[userID]; exists {
		return store.ErrUniqueViolation
	}
	members[userID] = struct{}{}
	s.appendLocked(store.GroupChange(contracts.OpInsert, groupID, sortedKeys(members)))
	return s.afterLocked("AddGroupMember")
}

func (s *Store) GetGroups(ctx context.Context, ids []string) ([]entity.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beforeLocked(ctx, "GetGroups"); err != nil {
		return nil, err
	}
	out := make([]entity.Group, 0, len(ids))
	for _, id := range ids {
		if g, ok := s.groups[id]; ok {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *Store) ListGroupMembers(ctx context.Context, groupID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beforeLocked(ctx, "ListGroupMembers"); err != nil {
		return nil, err
	}
	members, ok := s.groupMembers[groupID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return sortedKeys(members), nil
}

func (s *Store) ListGroupIDsForUser(ctx context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beforeLocked(ctx, "ListGroupIDsForUser"); err != nil {
		return nil, err
	}
	out := []string{}
	for groupID, members := range s.groupMembers {
		if _, ok := members[userID]; ok {
			out = append(out, groupID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) IsGroupMember(ctx context.Context, groupID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beforeLocked(ctx, "IsGroupMember"); err != nil {
		return false, err
	}
	_, ok := s.groupMembers[groupID][userID]
	return ok, nil
}

func (s *Store) requireProfilesLocked(ids ...string) error {
	for _, id := range ids {
		if _, ok := s.profiles[id]; !ok {
			return store.ErrNotFound
		}
	}
	return nil
}

// appendLocked stamps ev and adds it to the change log.
func (s *Store) appendLocked(ev contracts.ChangeEvent) contracts.ChangeEvent {
	s.seq++
	ev.Seq = s.seq
	ev.EventID = s.NewEventID()
	ev.OccurredAt = s.Now()
	s.log = append(s.log, ev)
	for ch := range s.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return ev
}
