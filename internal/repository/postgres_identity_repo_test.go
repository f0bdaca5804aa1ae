package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/bizdesk/internal/model"
)

func TestNewPostgresIdentityRepo_Initializes(t *testing.T) {
	repo := NewPostgresIdentityRepo(nil)
	if repo == nil {
		t.Fatal("expected non-nil repo")
	}
}

func newTestIdentity(externalID string, createdAt time.Time) *model.Identity {
	return &model.Identity{
		ID:          uuid.New().String(),
		ExternalID:  externalID,
		Email:       externalID + "@example.com",
		Name:        "Test " + externalID,
		AccessToken: "access-" + externalID,
		TokenExpiry: createdAt.Add(time.Hour),
		CreatedAt:   createdAt,
		LastLoginAt: createdAt,
	}
}

func TestPostgresIdentityRepo_CreateAndFind(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPostgresIdentityRepo(db)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	identity := newTestIdentity("g-123", now)
	if err := repo.Create(ctx, identity); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	byExternal, err := repo.FindByExternalID(ctx, "g-123")
	if err != nil {
		t.Fatalf("FindByExternalID failed: %v", err)
	}
	if byExternal == nil || byExternal.ID != identity.ID {
		t.Fatalf("FindByExternalID = %+v, want id %s", byExternal, identity.ID)
	}
	if byExternal.RefreshToken != "" {
		t.Errorf("RefreshToken = %q, want empty", byExternal.RefreshToken)
	}

	byID, err := repo.FindByID(ctx, identity.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if byID == nil || byID.Email != "g-123@example.com" {
		t.Errorf("FindByID = %+v", byID)
	}
}

func TestPostgresIdentityRepo_FindByID_NotFoundOrMalformed_ReturnsNil(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPostgresIdentityRepo(db)

	for _, id := range []string{uuid.New().String(), "not-a-uuid", model.AnonymousIdentityID} {
		got, err := repo.FindByID(context.Background(), id)
		if err != nil {
			t.Errorf("FindByID(%q) error = %v", id, err)
		}
		if got != nil {
			t.Errorf("FindByID(%q) = %+v, want nil", id, got)
		}
	}
}

func TestPostgresIdentityRepo_Create_DuplicateExternalID(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPostgresIdentityRepo(db)
	ctx := context.Background()

	now := time.Now().UTC()
	if err := repo.Create(ctx, newTestIdentity("g-dup", now)); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}

	err := repo.Create(ctx, newTestIdentity("g-dup", now))
	if !errors.Is(err, ErrDuplicateExternalID) {
		t.Errorf("expected ErrDuplicateExternalID, got %v", err)
	}
}

func TestPostgresIdentityRepo_Update(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPostgresIdentityRepo(db)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	identity := newTestIdentity("g-upd", now)
	if err := repo.Create(ctx, identity); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	identity.AccessToken = "new-access"
	identity.RefreshToken = "new-refresh"
	identity.LastLoginAt = now.Add(time.Hour)
	if err := repo.Update(ctx, identity); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := repo.FindByID(ctx, identity.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if got.AccessToken != "new-access" || got.RefreshToken != "new-refresh" {
		t.Errorf("tokens = %q/%q", got.AccessToken, got.RefreshToken)
	}
	if !got.LastLoginAt.Equal(now.Add(time.Hour)) {
		t.Errorf("LastLoginAt = %v, want %v", got.LastLoginAt, now.Add(time.Hour))
	}
}

func TestPostgresIdentityRepo_Update_Missing_ReturnsErrIdentityNotFound(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPostgresIdentityRepo(db)

	err := repo.Update(context.Background(), newTestIdentity("g-missing", time.Now()))
	if !errors.Is(err, model.ErrIdentityNotFound) {
		t.Errorf("expected ErrIdentityNotFound, got %v", err)
	}
}

func TestPostgresIdentityRepo_FindEarliest(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPostgresIdentityRepo(db)
	ctx := context.Background()

	none, err := repo.FindEarliest(ctx)
	if err != nil {
		t.Fatalf("FindEarliest failed: %v", err)
	}
	if none != nil {
		t.Fatalf("FindEarliest on empty table = %+v, want nil", none)
	}

	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	second := newTestIdentity("g-second", t0.Add(time.Hour))
	first := newTestIdentity("g-first", t0)
	for _, identity := range []*model.Identity{second, first} {
		if err := repo.Create(ctx, identity); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	got, err := repo.FindEarliest(ctx)
	if err != nil {
		t.Fatalf("FindEarliest failed: %v", err)
	}
	if got == nil || got.ID != first.ID {
		t.Errorf("FindEarliest = %+v, want %s", got, first.ID)
	}
}

func TestPostgresIdentityRepo_MalformedID_SkipsQuery(t *testing.T) {
	// UUIDとして解釈できないIDではDBに問い合わせない
	repo := NewPostgresIdentityRepo(nil)

	got, err := repo.FindByID(context.Background(), model.AnonymousIdentityID)
	if err != nil || got != nil {
		t.Errorf("FindByID = %+v, %v; want nil, nil", got, err)
	}

	err = repo.Update(context.Background(), &model.Identity{ID: "not-a-uuid"})
	if !errors.Is(err, model.ErrIdentityNotFound) {
		t.Errorf("Update error = %v, want ErrIdentityNotFound", err)
	}
}
