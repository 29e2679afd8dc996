package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/parkside-labs/labbook/internal/audit"
	"github.com/parkside-labs/labbook/internal/auth"
	"github.com/parkside-labs/labbook/internal/docstore"
	"github.com/parkside-labs/labbook/internal/experiments"
	"github.com/parkside-labs/labbook/internal/genai"
	"github.com/parkside-labs/labbook/internal/notify"
	"github.com/parkside-labs/labbook/internal/pipeline"
	"github.com/parkside-labs/labbook/internal/projects"
	"github.com/parkside-labs/labbook/internal/server"
	"github.com/parkside-labs/labbook/internal/users"
	"github.com/parkside-labs/labbook/internal/workflow"
)

const (
	signingSecret   = "integration-secret"
	jsonContentType = "application/json"
)

type mapVerifier struct {
	claims map[string]auth.GoogleClaims
}

func (v *mapVerifier) Verify(_ context.Context, token string) (auth.GoogleClaims, error) {
	claims, ok := v.claims[token]
	if !ok {
		return auth.GoogleClaims{}, errors.New("unknown token")
	}
	return claims, nil
}

type memoryDocStore struct {
	metadata map[string]map[string]any
	files    map[string]docstore.FileContent
}

func newMemoryDocStore() *memoryDocStore {
	return &memoryDocStore{
		metadata: map[string]map[string]any{},
		files:    map[string]docstore.FileContent{},
	}
}

func (m *memoryDocStore) EnsureFolder(context.Context, string) error { return nil }

func (m *memoryDocStore) GetFolderMetadata(_ context.Context, folderID, template string) (map[string]any, error) {
	return m.metadata[folderID+"/"+template], nil
}

func (m *memoryDocStore) PatchFolderMetadata(_ context.Context, folderID, template string, ops []docstore.PatchOperation) error {
	key := folderID + "/" + template
	m.metadata[key] = docstore.ApplyPatch(m.metadata[key], ops)
	return nil
}

func (m *memoryDocStore) DownloadFile(_ context.Context, fileID string) (docstore.FileContent, error) {
	file, ok := m.files[fileID]
	if !ok {
		return docstore.FileContent{}, docstore.ErrNotFound
	}
	return file, nil
}

func (m *memoryDocStore) UploadFile(_ context.Context, _, name string, r io.Reader, _ int64, contentType string) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	id := fmt.Sprintf("file-%d", len(m.files)+1)
	m.files[id] = docstore.FileContent{Name: name, ContentType: contentType, Data: data}
	return id, nil
}

func (m *memoryDocStore) ListCollaborations(context.Context, string) ([]docstore.Collaboration, error) {
	return nil, nil
}

func (m *memoryDocStore) UpdateCollaborationRole(context.Context, string, string, string) error {
	return nil
}

type cannedGenerator struct {
	response json.RawMessage
}

func (g *cannedGenerator) GenerateObject(context.Context, genai.ObjectRequest) (json.RawMessage, error) {
	return g.response, nil
}

func TestExperimentLifecycleFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file:labbook_integration?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	err = db.AutoMigrate(
		&users.Account{},
		&projects.Project{},
		&experiments.Experiment{},
		&experiments.ProtocolStep{},
		&experiments.ProtocolSnapshot{},
		&experiments.Reagent{},
		&experiments.Yield{},
		&experiments.Spectrum{},
		&notify.Notification{},
		&audit.Entry{},
		&workflow.StatusOutboxEntry{},
	)
	if err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}

	ids := &sequenceIDProvider{}
	docs := newMemoryDocStore()
	logger := zap.NewNop()

	accounts, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build account service: %v", err)
	}
	recorder, err := audit.NewRecorder(audit.RecorderConfig{Database: db, IDProvider: ids, Logger: logger})
	if err != nil {
		testContext.Fatalf("failed to build audit recorder: %v", err)
	}
	notifications, err := notify.NewService(notify.ServiceConfig{Database: db, IDProvider: ids, Logger: logger})
	if err != nil {
		testContext.Fatalf("failed to build notification service: %v", err)
	}
	projectService, err := projects.NewService(projects.ServiceConfig{Database: db, Documents: docs, IDs: ids, Logger: logger})
	if err != nil {
		testContext.Fatalf("failed to build project service: %v", err)
	}
	experimentService, err := experiments.NewService(experiments.ServiceConfig{Database: db, Documents: docs, IDs: ids, Logger: logger})
	if err != nil {
		testContext.Fatalf("failed to build experiment service: %v", err)
	}
	engine, err := workflow.NewEngine(workflow.EngineConfig{
		Database:    db,
		Experiments: experimentService,
		Documents:   docs,
		Audit:       recorder,
		Notify:      notifications,
		Accounts:    accounts,
		Logger:      logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build workflow engine: %v", err)
	}
	protocolJSON, _ := json.Marshal(map[string]any{
		"title": "Aldol condensation",
		"steps": []map[string]any{
			{"instruction": "Dissolve benzaldehyde and acetone in ethanol."},
			{"instruction": "Add aqueous sodium hydroxide dropwise at 0 C."},
			{"instruction": "Stir for two hours, then filter the precipitate."},
		},
	})
	ingestion, err := pipeline.NewPipeline(pipeline.PipelineConfig{
		Documents: docs,
		Model:     &cannedGenerator{response: protocolJSON},
		Audit:     recorder,
		Logger:    logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build pipeline: %v", err)
	}

	verifier := &mapVerifier{claims: map[string]auth.GoogleClaims{
		"google-dana": {Subject: "dana-sub", Email: "dana@example.org", DisplayName: "Dana Author"},
		"google-imai": {Subject: "imai-sub", Email: "imai@example.org", DisplayName: "Prof. Imai"},
	}}
	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(signingSecret),
		Issuer:        "labbook-auth",
		Audience:      "labbook-api",
		TokenTTL:      time.Hour,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		GoogleVerifier: verifier,
		TokenManager:   issuer,
		Accounts:       accounts,
		Projects:       projectService,
		Experiments:    experimentService,
		Workflow:       engine,
		Pipeline:       ingestion,
		Notifications:  notifications,
		Audit:          recorder,
		Logger:         logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	danaToken := login(testContext, testServer.URL, "google-dana")
	imaiToken := login(testContext, testServer.URL, "google-imai")

	// First logins land as viewers; role assignment is an operator concern.
	if _, err := accounts.SetRole(context.Background(), "dana-sub", users.RoleResearcher); err != nil {
		testContext.Fatalf("failed to assign researcher role: %v", err)
	}
	if _, err := accounts.SetRole(context.Background(), "imai-sub", users.RolePI); err != nil {
		testContext.Fatalf("failed to assign pi role: %v", err)
	}
	danaToken = login(testContext, testServer.URL, "google-dana")
	imaiToken = login(testContext, testServer.URL, "google-imai")

	project := postJSON(testContext, testServer.URL+"/projects", danaToken, map[string]any{
		"code":    "PROJ-1",
		"name":    "Catalyst screening",
		"pi_name": "Prof. Imai",
	}, http.StatusCreated)
	projectID := project["folder_id"].(string)

	experiment := postJSON(testContext, testServer.URL+"/projects/"+projectID+"/experiments", danaToken, map[string]any{
		"code":  "EXP-001",
		"title": "Aldol condensation study",
		"tags":  []string{"synthesis"},
	}, http.StatusCreated)
	experimentID := experiment["folder_id"].(string)
	if experiment["status"] != "draft" {
		testContext.Fatalf("expected new experiment in draft, got %v", experiment["status"])
	}

	generated := postJSON(testContext, testServer.URL+"/experiments/"+experimentID+"/protocol/generate", danaToken, map[string]any{
		"prompt": "aldol condensation of benzaldehyde and acetone",
	}, http.StatusOK)
	steps, _ := generated["steps"].([]any)
	if len(steps) != 3 {
		testContext.Fatalf("expected three generated steps, got %d", len(steps))
	}
	for _, raw := range steps {
		step := raw.(map[string]any)
		postJSON(testContext, testServer.URL+"/experiments/"+experimentID+"/steps", danaToken, map[string]any{
			"instruction": step["instruction"],
		}, http.StatusCreated)
	}
	postJSON(testContext, testServer.URL+"/experiments/"+experimentID+"/protocol/snapshots", danaToken, nil, http.StatusCreated)

	postJSON(testContext, testServer.URL+"/experiments/"+experimentID+"/transition", danaToken, map[string]any{"status": "in-progress"}, http.StatusOK)
	postJSON(testContext, testServer.URL+"/experiments/"+experimentID+"/transition", danaToken, map[string]any{"status": "review"}, http.StatusOK)

	approved := postJSON(testContext, testServer.URL+"/experiments/"+experimentID+"/transition", imaiToken, map[string]any{"status": "completed"}, http.StatusOK)
	if approved["status"] != "completed" {
		testContext.Fatalf("expected completed experiment, got %v", approved["status"])
	}
	if approved["completed_at"] == nil {
		testContext.Fatalf("expected completion timestamp")
	}

	// Approval notifies the author.
	inbox := getJSON(testContext, testServer.URL+"/notifications", danaToken)
	items, _ := inbox["notifications"].([]any)
	if len(items) != 1 {
		testContext.Fatalf("expected one notification for the author, got %d", len(items))
	}
	notification := items[0].(map[string]any)
	if notification["title"] != "Experiment EXP-001 approved" {
		testContext.Fatalf("unexpected notification title %v", notification["title"])
	}

	// The status mirror in the document store follows the record store.
	meta, err := docs.GetFolderMetadata(context.Background(), experimentID, docstore.TemplateExperimentProperties)
	if err != nil {
		testContext.Fatalf("failed to read folder metadata: %v", err)
	}
	if meta["status"] != "completed" {
		testContext.Fatalf("expected mirrored status completed, got %v", meta["status"])
	}
}

type sequenceIDProvider struct {
	next int
}

func (g *sequenceIDProvider) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("id-%d", g.next), nil
}

func login(testContext *testing.T, baseURL, googleToken string) string {
	testContext.Helper()
	body := postJSON(testContext, baseURL+"/auth/google", "", map[string]any{"id_token": googleToken}, http.StatusOK)
	token, _ := body["access_token"].(string)
	if token == "" {
		testContext.Fatalf("expected access token, got %v", body)
	}
	return token
}

func postJSON(testContext *testing.T, url, token string, payload any, wantStatus int) map[string]any {
	testContext.Helper()
	var reader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			testContext.Fatalf("failed to encode payload: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader([]byte("{}"))
	}
	req, err := http.NewRequest(http.MethodPost, url, reader)
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", jsonContentType)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		testContext.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != wantStatus {
		testContext.Fatalf("unexpected status %d for %s: %s", resp.StatusCode, url, raw)
	}
	var body map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			testContext.Fatalf("failed to decode response %q: %v", raw, err)
		}
	}
	return body
}

func getJSON(testContext *testing.T, url, token string) map[string]any {
	testContext.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		testContext.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected status %d for %s", resp.StatusCode, url)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		testContext.Fatalf("failed to decode response: %v", err)
	}
	return body
}
