package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/parkside-labs/labbook/internal/audit"
	"github.com/parkside-labs/labbook/internal/docstore"
	"github.com/parkside-labs/labbook/internal/genai"
	"github.com/parkside-labs/labbook/internal/users"
)

type sequenceIDGenerator struct {
	next int
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("id-%d", g.next), nil
}

type fakeFileStore struct {
	files         map[string]docstore.FileContent
	uploadFolders map[string]string
	uploadErr     error
	nextFile      int
}

func (f *fakeFileStore) EnsureFolder(ctx context.Context, folderID string) error { return nil }

func (f *fakeFileStore) GetFolderMetadata(ctx context.Context, folderID, template string) (map[string]any, error) {
	return map[string]any{}, nil
}

func (f *fakeFileStore) PatchFolderMetadata(ctx context.Context, folderID, template string, ops []docstore.PatchOperation) error {
	return nil
}

func (f *fakeFileStore) DownloadFile(ctx context.Context, fileID string) (docstore.FileContent, error) {
	file, ok := f.files[fileID]
	if !ok {
		return docstore.FileContent{}, docstore.ErrNotFound
	}
	return file, nil
}

func (f *fakeFileStore) UploadFile(ctx context.Context, folderID, name string, r io.Reader, size int64, contentType string) (string, error) {
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	f.nextFile++
	fileID := fmt.Sprintf("file-%d", f.nextFile)
	f.files[fileID] = docstore.FileContent{Name: name, Data: data}
	if f.uploadFolders == nil {
		f.uploadFolders = map[string]string{}
	}
	f.uploadFolders[fileID] = folderID
	return fileID, nil
}

func (f *fakeFileStore) ListCollaborations(ctx context.Context, folderID string) ([]docstore.Collaboration, error) {
	return nil, nil
}

func (f *fakeFileStore) UpdateCollaborationRole(ctx context.Context, folderID, collabID, role string) error {
	return nil
}

type fakeGenerator struct {
	response json.RawMessage
	err      error
	requests []genai.ObjectRequest
}

func (g *fakeGenerator) GenerateObject(ctx context.Context, req genai.ObjectRequest) (json.RawMessage, error) {
	g.requests = append(g.requests, req)
	if g.err != nil {
		return nil, g.err
	}
	return g.response, nil
}

type pipelineFixture struct {
	pipeline *Pipeline
	docs     *fakeFileStore
	model    *fakeGenerator
	audit    *audit.Recorder
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access database pool: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&audit.Entry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	recorder, err := audit.NewRecorder(audit.RecorderConfig{
		Database:   db,
		IDProvider: &sequenceIDGenerator{},
		Clock:      func() time.Time { return time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("failed to build audit recorder: %v", err)
	}

	docs := &fakeFileStore{files: map[string]docstore.FileContent{}}
	model := &fakeGenerator{response: json.RawMessage(`{}`)}
	p, err := NewPipeline(PipelineConfig{Documents: docs, Model: model, Audit: recorder})
	if err != nil {
		t.Fatalf("failed to build pipeline: %v", err)
	}
	return &pipelineFixture{pipeline: p, docs: docs, model: model, audit: recorder}
}

func testActor() users.Account {
	return users.Account{ID: "user-1", Email: "researcher@example.org", Role: "researcher"}
}

var pdfBytes = []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n%%EOF\n")

func TestIngestExtractsStructuredData(t *testing.T) {
	fixture := newPipelineFixture(t)
	fixture.docs.files["file-1"] = docstore.FileContent{Name: "nmr-run.pdf", Data: pdfBytes}
	fixture.model.response = json.RawMessage(`{
		"yields": [{"product_name": "benzalacetone", "theoretical": 2.5, "actual": 1.9, "unit": "g"}],
		"spectra": [{"technique": "NMR", "title": "1H NMR", "caption": "singlet at 2.1 ppm", "peaks": {"2.1": "CH3 singlet"}}],
		"reagents": [{"name": "acetone", "amount": 5.0, "unit": "mL"}],
		"notes": "baseline drift after 10 min"
	}`)

	result, err := fixture.pipeline.IngestInstrumentFile(context.Background(), "file-1", "exp-1", testActor())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Yields) != 1 || result.Yields[0].ProductName != "benzalacetone" {
		t.Fatalf("unexpected yields: %+v", result.Yields)
	}
	if len(result.Spectra) != 1 || result.Spectra[0].Technique != "NMR" {
		t.Fatalf("unexpected spectra: %+v", result.Spectra)
	}
	if len(result.Reagents) != 1 || result.Reagents[0].Name != "acetone" {
		t.Fatalf("unexpected reagents: %+v", result.Reagents)
	}
	if result.Notes != "baseline drift after 10 min" {
		t.Fatalf("unexpected notes: %q", result.Notes)
	}

	if len(fixture.model.requests) != 1 {
		t.Fatalf("expected 1 model call, got %d", len(fixture.model.requests))
	}
	request := fixture.model.requests[0]
	if len(request.Files) != 1 || request.Files[0].MIMEType != "application/pdf" {
		t.Fatalf("unexpected request files: %+v", request.Files)
	}
	if request.Schema == nil {
		t.Fatalf("expected a response schema on the request")
	}
}

func TestIngestRecordsAuditEntry(t *testing.T) {
	fixture := newPipelineFixture(t)
	fixture.docs.files["file-1"] = docstore.FileContent{Name: "nmr-run.pdf", Data: pdfBytes}
	fixture.model.response = json.RawMessage(`{"notes": "clean run"}`)

	if _, err := fixture.pipeline.IngestInstrumentFile(context.Background(), "file-1", "exp-1", testActor()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entries, err := fixture.audit.ListByEntity(context.Background(), "experiment", "exp-1", 10)
	if err != nil {
		t.Fatalf("unexpected audit error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(entries))
	}
	if entries[0].Action != "ingest_instrument_file" {
		t.Fatalf("unexpected action %s", entries[0].Action)
	}

	var details map[string]any
	if err := json.Unmarshal(entries[0].Details, &details); err != nil {
		t.Fatalf("failed to decode details: %v", err)
	}
	if details["fileName"] != "nmr-run.pdf" || details["mediaType"] != "application/pdf" {
		t.Fatalf("unexpected detail payload: %v", details)
	}
	if _, ok := details["extracted"]; !ok {
		t.Fatalf("expected extracted payload in audit details")
	}
}

func TestIngestRejectsUnsupportedTypeBeforeModelCall(t *testing.T) {
	fixture := newPipelineFixture(t)
	fixture.docs.files["file-1"] = docstore.FileContent{
		Name: "results.csv",
		Data: []byte("sample,yield\nA,92\nB,87\n"),
	}

	_, err := fixture.pipeline.IngestInstrumentFile(context.Background(), "file-1", "exp-1", testActor())
	var unsupported *UnsupportedFileTypeError
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected UnsupportedFileTypeError, got %v", err)
	}
	if unsupported.FileName != "results.csv" {
		t.Fatalf("unexpected file name %q", unsupported.FileName)
	}
	if len(fixture.model.requests) != 0 {
		t.Fatalf("expected no model calls, got %d", len(fixture.model.requests))
	}
}

func TestIngestFallsBackToExtensionForGenericBytes(t *testing.T) {
	fixture := newPipelineFixture(t)
	// Text content that still carries a .pdf name resolves by extension.
	fixture.docs.files["file-1"] = docstore.FileContent{
		Name: "scan.pdf",
		Data: []byte("not really binary content"),
	}

	if _, err := fixture.pipeline.IngestInstrumentFile(context.Background(), "file-1", "exp-1", testActor()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fixture.model.requests) != 1 {
		t.Fatalf("expected 1 model call, got %d", len(fixture.model.requests))
	}
	if fixture.model.requests[0].Files[0].MIMEType != "application/pdf" {
		t.Fatalf("unexpected media type %q", fixture.model.requests[0].Files[0].MIMEType)
	}
}

func TestIngestRequiresAuthenticatedActor(t *testing.T) {
	fixture := newPipelineFixture(t)
	fixture.docs.files["file-1"] = docstore.FileContent{Name: "nmr-run.pdf", Data: pdfBytes}

	_, err := fixture.pipeline.IngestInstrumentFile(context.Background(), "file-1", "exp-1", users.Account{})
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if len(fixture.model.requests) != 0 {
		t.Fatalf("expected no model calls, got %d", len(fixture.model.requests))
	}
}

func TestIngestMissingFile(t *testing.T) {
	fixture := newPipelineFixture(t)

	_, err := fixture.pipeline.IngestInstrumentFile(context.Background(), "missing", "exp-1", testActor())
	if !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected docstore.ErrNotFound, got %v", err)
	}
}

func TestIngestPropagatesModelError(t *testing.T) {
	fixture := newPipelineFixture(t)
	fixture.docs.files["file-1"] = docstore.FileContent{Name: "nmr-run.pdf", Data: pdfBytes}
	fixture.model.err = &genai.APIError{Status: 503, Message: "overloaded"}

	_, err := fixture.pipeline.IngestInstrumentFile(context.Background(), "file-1", "exp-1", testActor())
	var apiError *genai.APIError
	if !errors.As(err, &apiError) {
		t.Fatalf("expected APIError, got %v", err)
	}
}

func TestDecodeExtractionResult(t *testing.T) {
	testCases := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{name: "empty object is valid", raw: `{}`},
		{name: "all members omitted individually", raw: `{"notes": "only notes"}`},
		{name: "unknown field rejected", raw: `{"confidence": 0.9}`, wantErr: true},
		{name: "nested unknown field rejected", raw: `{"yields": [{"purity": 99}]}`, wantErr: true},
		{name: "type violation rejected", raw: `{"yields": "lots"}`, wantErr: true},
		{name: "unknown technique rejected", raw: `{"spectra": [{"technique": "XRD"}]}`, wantErr: true},
		{name: "known technique accepted", raw: `{"spectra": [{"technique": "UV-Vis"}]}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := decodeExtractionResult(json.RawMessage(tc.raw))
			if tc.wantErr {
				var schemaErr *ExtractionSchemaError
				if !errors.As(err, &schemaErr) {
					t.Fatalf("expected ExtractionSchemaError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestGenerateProtocolReturnsOrderedSteps(t *testing.T) {
	fixture := newPipelineFixture(t)
	fixture.model.response = json.RawMessage(`{
		"title": "Recrystallization of benzoic acid",
		"objective": "Purify the crude product",
		"steps": [
			{"instruction": "Dissolve the crude solid in hot water.", "reagents": ["benzoic acid", "water"]},
			{"instruction": "Cool the solution slowly to room temperature.", "expected_result": "Needle-like crystals form."},
			{"instruction": "Filter and dry the crystals."}
		]
	}`)

	protocol, err := fixture.pipeline.GenerateProtocol(context.Background(), "recrystallize benzoic acid from water", "exp-1", testActor())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if protocol.Title != "Recrystallization of benzoic acid" {
		t.Fatalf("unexpected title %q", protocol.Title)
	}
	if len(protocol.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(protocol.Steps))
	}
	if protocol.Steps[1].ExpectedResult != "Needle-like crystals form." {
		t.Fatalf("unexpected step detail: %+v", protocol.Steps[1])
	}

	entries, err := fixture.audit.ListByEntity(context.Background(), "experiment", "exp-1", 10)
	if err != nil {
		t.Fatalf("unexpected audit error: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != "generate_protocol_ai" {
		t.Fatalf("expected protocol generation audit entry, got %+v", entries)
	}
}

func TestGenerateProtocolRejectsEmptyPrompt(t *testing.T) {
	fixture := newPipelineFixture(t)

	_, err := fixture.pipeline.GenerateProtocol(context.Background(), "   ", "exp-1", testActor())
	if !errors.Is(err, ErrPromptRequired) {
		t.Fatalf("expected ErrPromptRequired, got %v", err)
	}
	if len(fixture.model.requests) != 0 {
		t.Fatalf("expected no model calls, got %d", len(fixture.model.requests))
	}
}

func TestGenerateProtocolRejectsInvalidOutput(t *testing.T) {
	testCases := []struct {
		name string
		raw  string
	}{
		{name: "missing steps", raw: `{"title": "untitled"}`},
		{name: "empty steps", raw: `{"steps": []}`},
		{name: "blank instruction", raw: `{"steps": [{"instruction": "  "}]}`},
		{name: "unknown field", raw: `{"steps": [{"instruction": "Mix."}], "duration": "2h"}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fixture := newPipelineFixture(t)
			fixture.model.response = json.RawMessage(tc.raw)

			_, err := fixture.pipeline.GenerateProtocol(context.Background(), "make aspirin", "exp-1", testActor())
			var schemaErr *ExtractionSchemaError
			if !errors.As(err, &schemaErr) {
				t.Fatalf("expected ExtractionSchemaError, got %v", err)
			}
		})
	}
}

func TestUploadStoresFileAndRecordsAuditEntry(t *testing.T) {
	fixture := newPipelineFixture(t)
	content := strings.NewReader(string(pdfBytes))

	fileID, err := fixture.pipeline.UploadInstrumentFile(context.Background(), "exp-1", "nmr-run.pdf", content, int64(len(pdfBytes)), "application/pdf", testActor())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fileID != "file-1" {
		t.Fatalf("unexpected file id %q", fileID)
	}
	if fixture.docs.uploadFolders[fileID] != "exp-1" {
		t.Fatalf("expected upload under exp-1, got %q", fixture.docs.uploadFolders[fileID])
	}

	// The stored file feeds the ordinary ingest path.
	fixture.model.response = json.RawMessage(`{"notes": "clean run"}`)
	if _, err := fixture.pipeline.IngestInstrumentFile(context.Background(), fileID, "exp-1", testActor()); err != nil {
		t.Fatalf("unexpected ingest error: %v", err)
	}

	entries, err := fixture.audit.ListByEntity(context.Background(), "experiment", "exp-1", 10)
	if err != nil {
		t.Fatalf("unexpected audit error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(entries))
	}
	var uploadEntry *audit.Entry
	for i := range entries {
		if entries[i].Action == "upload_instrument_file" {
			uploadEntry = &entries[i]
		}
	}
	if uploadEntry == nil {
		t.Fatalf("expected an upload audit entry, got %+v", entries)
	}
	var details map[string]any
	if err := json.Unmarshal(uploadEntry.Details, &details); err != nil {
		t.Fatalf("failed to decode details: %v", err)
	}
	if details["fileID"] != "file-1" || details["fileName"] != "nmr-run.pdf" {
		t.Fatalf("unexpected detail payload: %v", details)
	}
}

func TestUploadRequiresAuthenticatedActor(t *testing.T) {
	fixture := newPipelineFixture(t)

	_, err := fixture.pipeline.UploadInstrumentFile(context.Background(), "exp-1", "nmr-run.pdf", strings.NewReader("data"), 4, "application/pdf", users.Account{})
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if len(fixture.docs.files) != 0 {
		t.Fatalf("expected no stored files, got %d", len(fixture.docs.files))
	}
}

func TestUploadPropagatesStoreError(t *testing.T) {
	fixture := newPipelineFixture(t)
	fixture.docs.uploadErr = errors.New("object store unreachable")

	_, err := fixture.pipeline.UploadInstrumentFile(context.Background(), "exp-1", "nmr-run.pdf", strings.NewReader("data"), 4, "application/pdf", testActor())
	if err == nil {
		t.Fatalf("expected error")
	}

	entries, auditErr := fixture.audit.ListByEntity(context.Background(), "experiment", "exp-1", 10)
	if auditErr != nil {
		t.Fatalf("unexpected audit error: %v", auditErr)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no audit entries, got %d", len(entries))
	}
}

func TestGenerateProtocolRequiresAuthenticatedActor(t *testing.T) {
	fixture := newPipelineFixture(t)

	_, err := fixture.pipeline.GenerateProtocol(context.Background(), "make aspirin", "exp-1", users.Account{})
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}
