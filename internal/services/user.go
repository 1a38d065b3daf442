package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/usersvc/apiserver/internal/security"
	"github.com/usersvc/apiserver/internal/store"
	"github.com/usersvc/apiserver/types"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	GetByID(ctx context.Context, id int) (types.User, error)
	Create(ctx context.Context, user types.User) (types.User, error)
	Update(ctx context.Context, user types.User) (types.User, error)
}

// UserEventPublisher receives notifications about user changes.
type UserEventPublisher interface {
	UserCreated(ctx context.Context, user types.User) error
	UserUpdated(ctx context.Context, user types.User) error
}

// UserService encapsulates user use-cases.
type UserService struct {
	repo   UserRepository
	events UserEventPublisher
	logger *slog.Logger
	now    func() time.Time
}

// UserServiceOption customizes a UserService.
type UserServiceOption func(*UserService)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) UserServiceOption {
	return func(s *UserService) {
		s.now = now
	}
}

// WithEventPublisher enables user change notifications.
func WithEventPublisher(p UserEventPublisher) UserServiceOption {
	return func(s *UserService) {
		s.events = p
	}
}

func WithLogger(logger *slog.Logger) UserServiceOption {
	return func(s *UserService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewUserService(repo UserRepository, opts ...UserServiceOption) *UserService {
	s := &UserService{
		repo:   repo,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores a new user with a hashed password. Both timestamps are
// set from a single instant.
func (s *UserService) Create(ctx context.Context, in types.UserCreate) (types.User, error) {
	now := s.now()
	user := types.User{
		Username:     in.Username,
		PasswordHash: security.HashPassword(in.Password),
		IsActive:     boolOr(in.IsActive, true),
		IsSuperuser:  boolOr(in.IsSuperuser, false),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	created, err := s.repo.Create(ctx, user)
	if err != nil {
		return types.User{}, fmt.Errorf("create user: %w", err)
	}

	s.logger.InfoContext(ctx, "user created", slog.Int("user_id", created.ID))
	if s.events != nil {
		if err := s.events.UserCreated(ctx, created); err != nil {
			s.logPublishError(ctx, "user.created", created.ID, err)
		}
	}
	return created, nil
}

// Get returns the user with the given id or an error wrapping store.ErrNotFound.
func (s *UserService) Get(ctx context.Context, id int) (types.User, error) {
	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.User{}, notFound(id)
		}
		return types.User{}, fmt.Errorf("get user %d: %w", id, err)
	}
	return user, nil
}

// Update applies the fields present in in and always refreshes UpdatedAt.
func (s *UserService) Update(ctx context.Context, id int, in types.UserUpdate) (types.User, error) {
	user, err := s.Get(ctx, id)
	if err != nil {
		return types.User{}, err
	}

	if in.Username != nil {
		user.Username = *in.Username
	}
	if in.Password != nil {
		user.PasswordHash = security.HashPassword(*in.Password)
	}
	if in.IsActive != nil {
		user.IsActive = *in.IsActive
	}
	if in.IsSuperuser != nil {
		user.IsSuperuser = *in.IsSuperuser
	}
	user.UpdatedAt = s.now()

	updated, err := s.repo.Update(ctx, user)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.User{}, notFound(id)
		}
		return types.User{}, fmt.Errorf("update user %d: %w", id, err)
	}

	s.logger.InfoContext(ctx, "user updated",
		slog.Int("user_id", updated.ID),
		slog.Bool("password_changed", in.Password != nil),
	)
	if s.events != nil {
		if err := s.events.UserUpdated(ctx, updated); err != nil {
			s.logPublishError(ctx, "user.updated", updated.ID, err)
		}
	}
	return updated, nil
}

// Event delivery is best effort; the stored change stands either way.
func (s *UserService) logPublishError(ctx context.Context, kind string, userID int, err error) {
	s.logger.WarnContext(ctx, "publish user event",
		slog.String("event", kind),
		slog.Int("user_id", userID),
		slog.Any("error", err),
	)
}

func notFound(id int) error {
	return fmt.Errorf("user with id %d %w", id, store.ErrNotFound)
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
