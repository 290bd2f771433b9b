package core

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/todo-1m/taskchat/internal/channel"
	"github.com/todo-1m/taskchat/internal/entity"
	"github.com/todo-1m/taskchat/internal/platform/metrics"
	"github.com/todo-1m/taskchat/internal/store"
	"go.uber.org/zap"
)

var ErrActorRequired = errors.New("acting user is required")

const DefaultListLimit = 200

type Service struct {
	Store    store.Store
	Resolver *channel.Resolver
	Log      *zap.Logger
	Retry    store.RetryPolicy
	Now      func() time.Time
	NewID    func() string
}

func NewService(s store.Store, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	svc := &Service{
		Store:    s,
		Resolver: channel.NewResolver(s, log),
		Log:      log,
		Now:      func() time.Time { return time.Now().UTC() },
		NewID:    uuid.NewString,
	}
	svc.Retry = store.DefaultRetryPolicy
	svc.Retry.OnRetry = func(op string, attempt int, err error) {
		metrics.StoreRetries.WithLabelValues(op).Inc()
		svc.Log.Warn("retrying store operation", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
	}
	return svc
}

// EnsureProfile mirrors an authenticated identity into the profiles table.
func (s *Service) EnsureProfile(ctx context.Context, p entity.Profile) error {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return ErrActorRequired
	}
	return store.Retry(ctx, s.Retry, "UpsertProfile", func(ctx context.Context) error {
		return s.Store.UpsertProfile(ctx, p)
	})
}

// GetProfile returns userID's own profile, points included.
func (s *Service) GetProfile(ctx context.Context, userID string) (entity.Profile, error) {
	userID, err := requireActor(userID)
	if err != nil {
		return entity.Profile{}, err
	}
	return store.RetryValue(ctx, s.Retry, "GetProfile", func(ctx context.Context) (entity.Profile, error) {
		return s.Store.GetProfile(ctx, userID)
	})
}

// GetProfiles looks up profiles by id for any authenticated user. Unknown ids are
// left out and at most DefaultListLimit distinct ids are read.
func (s *Service) GetProfiles(ctx context.Context, actor string, ids []string) ([]entity.Profile, error) {
	if _, err := requireActor(actor); err != nil {
		return nil, err
	}
	unique := dedupIDs(ids)
	if len(unique) == 0 {
		return []entity.Profile{}, nil
	}
	if len(unique) > DefaultListLimit {
		unique = unique[:DefaultListLimit]
	}
	return store.RetryValue(ctx, s.Retry, "GetProfiles", func(ctx context.Context) ([]entity.Profile, error) {
		return s.Store.GetProfiles(ctx, unique)
	})
}

func requireActor(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrActorRequired
	}
	return id, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > DefaultListLimit {
		return DefaultListLimit
	}
	return limit
}

// names resolves display names for ids. Unknown ids are left out.
func (s *Service) names(ctx context.Context, ids []string) (map[string]string, error) {
	out := map[string]string{}
	if len(ids) == 0 {
		return out, nil
	}
	profiles, err := s.Store.GetProfiles(ctx, dedupIDs(ids))
	if err != nil {
		return nil, err
	}
	for _, p := range profiles {
		out[p.ID] = p.Name()
	}
	return out, nil
}

func dedupIDs(ids []string) []string {
	seen := map[string]struct{}{}
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	return unique
}
