package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usersvc/apiserver/internal/security"
	"github.com/usersvc/apiserver/internal/store"
	"github.com/usersvc/apiserver/types"
)

type memoryRepo struct {
	mu     sync.Mutex
	nextID int
	users  map[int]types.User
	err    error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{users: make(map[int]types.User)}
}

func (r *memoryRepo) GetByID(ctx context.Context, id int) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return types.User{}, r.err
	}
	user, ok := r.users[id]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	return user, nil
}

func (r *memoryRepo) Create(ctx context.Context, user types.User) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return types.User{}, r.err
	}
	r.nextID++
	user.ID = r.nextID
	r.users[user.ID] = user
	return user, nil
}

func (r *memoryRepo) Update(ctx context.Context, user types.User) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return types.User{}, r.err
	}
	if _, ok := r.users[user.ID]; !ok {
		return types.User{}, store.ErrNotFound
	}
	r.users[user.ID] = user
	return user, nil
}

type recordingPublisher struct {
	created []types.User
	updated []types.User
	err     error
}

func (p *recordingPublisher) UserCreated(ctx context.Context, user types.User) error {
	p.created = append(p.created, user)
	return p.err
}

func (p *recordingPublisher) UserUpdated(ctx context.Context, user types.User) error {
	p.updated = append(p.updated, user)
	return p.err
}

// stepClock advances by one second on every call.
type stepClock struct {
	t time.Time
}

func (c *stepClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestService(t *testing.T, opts ...UserServiceOption) (*UserService, *memoryRepo, *stepClock) {
	t.Helper()
	repo := newMemoryRepo()
	clock := &stepClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts = append([]UserServiceOption{WithClock(clock.Now)}, opts...)
	return NewUserService(repo, opts...), repo, clock
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func TestUserService_Create(t *testing.T) {
	svc, repo, _ := newTestService(t)

	user, err := svc.Create(context.Background(), types.UserCreate{Username: "alice", Password: "secret1"})
	require.NoError(t, err)

	assert.Equal(t, 1, user.ID)
	assert.Equal(t, "alice", user.Username)
	assert.True(t, user.IsActive)
	assert.False(t, user.IsSuperuser)
	assert.Equal(t, user.CreatedAt, user.UpdatedAt)
	assert.NotEqual(t, "secret1", user.PasswordHash)
	assert.True(t, security.VerifyPassword("secret1", user.PasswordHash))
	assert.Equal(t, user, repo.users[1])
}

func TestUserService_Create_ExplicitFlags(t *testing.T) {
	svc, _, _ := newTestService(t)

	user, err := svc.Create(context.Background(), types.UserCreate{
		Username:    "root",
		Password:    "toor",
		IsActive:    boolPtr(false),
		IsSuperuser: boolPtr(true),
	})
	require.NoError(t, err)
	assert.False(t, user.IsActive)
	assert.True(t, user.IsSuperuser)
}

func TestUserService_Create_RepoError(t *testing.T) {
	svc, repo, _ := newTestService(t)
	repo.err = errors.New("db down")

	_, err := svc.Create(context.Background(), types.UserCreate{Username: "alice", Password: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, repo.err)
}

func TestUserService_Get_NotFound(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Get(context.Background(), 12)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, "user with id 12 not found", err.Error())
}

func TestUserService_Get_InfrastructureError(t *testing.T) {
	svc, repo, _ := newTestService(t)
	repo.err = errors.New("connection refused")

	_, err := svc.Get(context.Background(), 1)
	require.Error(t, err)
	assert.NotErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, err, repo.err)
}

func TestUserService_Update_UsernameOnly(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, types.UserCreate{Username: "alice", Password: "secret1"})
	require.NoError(t, err)

	updated, err := svc.Update(ctx, created.ID, types.UserUpdate{Username: strPtr("bob")})
	require.NoError(t, err)

	assert.Equal(t, "bob", updated.Username)
	assert.Equal(t, created.PasswordHash, updated.PasswordHash)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)
	assert.Equal(t, created.IsActive, updated.IsActive)
	assert.Equal(t, created.IsSuperuser, updated.IsSuperuser)
	assert.True(t, updated.UpdatedAt.After(created.UpdatedAt))
	assert.False(t, updated.UpdatedAt.Before(updated.CreatedAt))
}

func TestUserService_Update_Password(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, types.UserCreate{Username: "alice", Password: "oldpass"})
	require.NoError(t, err)

	updated, err := svc.Update(ctx, created.ID, types.UserUpdate{Password: strPtr("newpass")})
	require.NoError(t, err)

	assert.NotEqual(t, created.PasswordHash, updated.PasswordHash)
	assert.True(t, security.VerifyPassword("newpass", updated.PasswordHash))
	assert.False(t, security.VerifyPassword("oldpass", updated.PasswordHash))
	assert.Equal(t, "alice", updated.Username)
}

func TestUserService_Update_ZeroValuesArePresent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, types.UserCreate{Username: "alice", Password: "x", IsSuperuser: boolPtr(true)})
	require.NoError(t, err)

	updated, err := svc.Update(ctx, created.ID, types.UserUpdate{
		Username:    strPtr(""),
		IsActive:    boolPtr(false),
		IsSuperuser: boolPtr(false),
	})
	require.NoError(t, err)

	assert.Equal(t, "", updated.Username)
	assert.False(t, updated.IsActive)
	assert.False(t, updated.IsSuperuser)
}

func TestUserService_Update_EmptyStillTouchesUpdatedAt(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, types.UserCreate{Username: "alice", Password: "x"})
	require.NoError(t, err)

	updated, err := svc.Update(ctx, created.ID, types.UserUpdate{})
	require.NoError(t, err)

	assert.Equal(t, created.Username, updated.Username)
	assert.Equal(t, created.PasswordHash, updated.PasswordHash)
	assert.True(t, updated.UpdatedAt.After(created.UpdatedAt))
}

func TestUserService_Update_Idempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, types.UserCreate{Username: "alice", Password: "x"})
	require.NoError(t, err)

	first, err := svc.Update(ctx, created.ID, types.UserUpdate{Username: strPtr("bob")})
	require.NoError(t, err)
	second, err := svc.Update(ctx, created.ID, types.UserUpdate{Username: strPtr("bob")})
	require.NoError(t, err)

	assert.Equal(t, "bob", first.Username)
	assert.Equal(t, "bob", second.Username)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))
}

func TestUserService_Update_NotFound(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Update(context.Background(), 5, types.UserUpdate{Username: strPtr("bob")})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, "user with id 5 not found", err.Error())
}

func TestUserService_PublishesEvents(t *testing.T) {
	pub := &recordingPublisher{}
	svc, _, _ := newTestService(t, WithEventPublisher(pub))
	ctx := context.Background()

	created, err := svc.Create(ctx, types.UserCreate{Username: "alice", Password: "x"})
	require.NoError(t, err)
	_, err = svc.Update(ctx, created.ID, types.UserUpdate{IsActive: boolPtr(false)})
	require.NoError(t, err)

	require.Len(t, pub.created, 1)
	require.Len(t, pub.updated, 1)
	assert.Equal(t, created.ID, pub.created[0].ID)
	assert.False(t, pub.updated[0].IsActive)
}

func TestUserService_PublishFailureDoesNotFailOperation(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker unavailable")}
	svc, repo, _ := newTestService(t, WithEventPublisher(pub))

	user, err := svc.Create(context.Background(), types.UserCreate{Username: "alice", Password: "x"})
	require.NoError(t, err)
	assert.Contains(t, repo.users, user.ID)
}
