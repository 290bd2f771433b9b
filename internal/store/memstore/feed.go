package memstore

import (
	"context"

	"github.com/todo-1m/taskchat/internal/contracts"
)

func (s *Store) ChangesSince(ctx context.Context, afterSeq uint64, limit int) ([]contracts.ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beforeLocked(ctx, "ChangesSince"); err != nil {
		return nil, err
	}
	out := []contracts.ChangeEvent{}
	// log[i].Seq == i+1
	for i := int(afterSeq); i < len(s.log); i++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		ev := s.log[i]
		ev.Topics = append([]contracts.Topic(nil), ev.Topics...)
		out = append(out, ev)
	}
	return out, nil
}

func (s *Store) Listen(ctx context.Context) (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beforeLocked(ctx, "Listen"); err != nil {
		return nil, err
	}
	ch := make(chan struct{}, 1)
	s.listeners[ch] = struct{}{}
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.listeners[ch]; ok {
			delete(s.listeners, ch)
			close(ch)
		}
	}()
	return ch, nil
}

func (s *Store) RelayOffset(ctx context.Context, name string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beforeLocked(ctx, "RelayOffset"); err != nil {
		return 0, err
	}
	return s.offsets[name], nil
}

func (s *Store) SaveRelayOffset(ctx context.Context, name string, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beforeLocked(ctx, "SaveRelayOffset"); err != nil {
		return err
	}
	if seq > s.offsets[name] {
		s.offsets[name] = seq
	}
	return s.afterLocked("SaveRelayOffset")
}
