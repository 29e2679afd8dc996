package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/parkside-labs/labbook/internal/audit"
	"github.com/parkside-labs/labbook/internal/docstore"
	"github.com/parkside-labs/labbook/internal/experiments"
	"github.com/parkside-labs/labbook/internal/notify"
	"github.com/parkside-labs/labbook/internal/users"
)

type sequenceIDGenerator struct {
	next int
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("id-%d", g.next), nil
}

// fakeDocStore is an in-memory document store. Patch failures are injectable
// to exercise the status outbox path.
type fakeDocStore struct {
	metadata       map[string]map[string]any
	collaborations map[string][]docstore.Collaboration
	patchErr       error
	patchCalls     int
}

func newFakeDocStore() *fakeDocStore {
	return &fakeDocStore{
		metadata:       map[string]map[string]any{},
		collaborations: map[string][]docstore.Collaboration{},
	}
}

func (f *fakeDocStore) EnsureFolder(ctx context.Context, folderID string) error {
	if _, ok := f.metadata[folderID]; !ok {
		f.metadata[folderID] = map[string]any{}
	}
	return nil
}

func (f *fakeDocStore) GetFolderMetadata(ctx context.Context, folderID, template string) (map[string]any, error) {
	meta, ok := f.metadata[folderID+"/"+template]
	if !ok {
		return map[string]any{}, nil
	}
	return meta, nil
}

func (f *fakeDocStore) PatchFolderMetadata(ctx context.Context, folderID, template string, ops []docstore.PatchOperation) error {
	f.patchCalls++
	if f.patchErr != nil {
		return f.patchErr
	}
	key := folderID + "/" + template
	f.metadata[key] = docstore.ApplyPatch(f.metadata[key], ops)
	return nil
}

func (f *fakeDocStore) DownloadFile(ctx context.Context, fileID string) (docstore.FileContent, error) {
	return docstore.FileContent{}, errors.New("not implemented")
}

func (f *fakeDocStore) UploadFile(ctx context.Context, folderID, name string, r io.Reader, size int64, contentType string) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeDocStore) ListCollaborations(ctx context.Context, folderID string) ([]docstore.Collaboration, error) {
	return f.collaborations[folderID], nil
}

func (f *fakeDocStore) UpdateCollaborationRole(ctx context.Context, folderID, collabID, role string) error {
	for i, collab := range f.collaborations[folderID] {
		if collab.ID == collabID {
			f.collaborations[folderID][i].Role = role
			return nil
		}
	}
	return docstore.ErrNotFound
}

type engineFixture struct {
	engine *Engine
	db     *gorm.DB
	docs   *fakeDocStore
	clock  time.Time
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access database pool: %v", err)
	}
	// A second pooled connection would open a separate in-memory database.
	sqlDB.SetMaxOpenConns(1)
	err = db.AutoMigrate(
		&users.Account{},
		&experiments.Experiment{},
		&experiments.ProtocolStep{},
		&experiments.ProtocolSnapshot{},
		&experiments.Reagent{},
		&experiments.Yield{},
		&experiments.Spectrum{},
		&audit.Entry{},
		&notify.Notification{},
		&StatusOutboxEntry{},
	)
	if err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	docs := newFakeDocStore()
	ids := &sequenceIDGenerator{}
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	experimentService, err := experiments.NewService(experiments.ServiceConfig{
		Database:  db,
		Documents: docs,
		IDs:       ids,
		Clock:     clock,
	})
	if err != nil {
		t.Fatalf("failed to build experiment service: %v", err)
	}
	accountService, err := users.NewService(users.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build account service: %v", err)
	}
	auditRecorder, err := audit.NewRecorder(audit.RecorderConfig{Database: db, IDProvider: ids, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build audit recorder: %v", err)
	}
	notifyService, err := notify.NewService(notify.ServiceConfig{Database: db, IDProvider: ids, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build notify service: %v", err)
	}

	engine, err := NewEngine(EngineConfig{
		Database:    db,
		Experiments: experimentService,
		Documents:   docs,
		Audit:       auditRecorder,
		Notify:      notifyService,
		Accounts:    accountService,
		Clock:       clock,
	})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	return &engineFixture{engine: engine, db: db, docs: docs, clock: now}
}

func (f *engineFixture) seedExperiment(t *testing.T, folderID string, status experiments.Status) experiments.Experiment {
	t.Helper()
	experiment := experiments.Experiment{
		FolderID:        folderID,
		ProjectFolderID: "project-1",
		Code:            "EXP-001",
		Title:           "Aldol condensation study",
		AuthorName:      "Dana Author",
		AuthorEmail:     "dana@example.org",
		Status:          status.String(),
		Version:         1,
		CreatedAt:       f.clock,
		UpdatedAt:       f.clock,
	}
	if err := f.db.Create(&experiment).Error; err != nil {
		t.Fatalf("failed to seed experiment: %v", err)
	}
	return experiment
}

func (f *engineFixture) seedAccount(t *testing.T, id, email string, role users.Role) users.Account {
	t.Helper()
	account := users.Account{
		ID:       id,
		Email:    email,
		Role:     role.String(),
		Provider: "google",
		Subject:  "subject-" + id,
	}
	if err := f.db.Create(&account).Error; err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
	return account
}
