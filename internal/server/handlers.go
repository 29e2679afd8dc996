package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/parkside-labs/labbook/internal/experiments"
	"github.com/parkside-labs/labbook/internal/projects"
	"github.com/parkside-labs/labbook/internal/users"
)

type googleAuthPayload struct {
	IDToken string `json:"id_token"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Role        string `json:"role"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
}

func (h *httpHandler) handleGoogleAuth(c *gin.Context) {
	var payload googleAuthPayload
	if err := c.ShouldBindJSON(&payload); err != nil || strings.TrimSpace(payload.IDToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id_token is required"})
		return
	}

	claims, err := h.verifier.Verify(c.Request.Context(), payload.IDToken)
	if err != nil {
		h.logger.Warn("google token rejected", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	account, err := h.accounts.ResolveAccount(c.Request.Context(), users.Profile{
		Provider:    "google",
		Subject:     claims.Subject,
		Email:       claims.Email,
		DisplayName: claims.DisplayName,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), account.ID, account.Role)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   expiresIn,
		Role:        account.Role,
		DisplayName: account.DisplayName,
		Email:       account.Email,
	})
}

type projectPayload struct {
	FolderID    string     `json:"folder_id"`
	Code        string     `json:"code"`
	Name        string     `json:"name"`
	PIName      string     `json:"pi_name"`
	PIEmail     string     `json:"pi_email"`
	Department  string     `json:"department"`
	StartDate   *time.Time `json:"start_date,omitempty"`
	Status      string     `json:"status"`
	Description string     `json:"description"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func toProjectPayload(p projects.Project) projectPayload {
	return projectPayload{
		FolderID:    p.FolderID,
		Code:        p.Code,
		Name:        p.Name,
		PIName:      p.PIName,
		PIEmail:     p.PIEmail,
		Department:  p.Department,
		StartDate:   p.StartDate,
		Status:      p.Status,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

type createProjectPayload struct {
	Code        string     `json:"code"`
	Name        string     `json:"name"`
	PIName      string     `json:"pi_name"`
	PIEmail     string     `json:"pi_email"`
	Department  string     `json:"department"`
	StartDate   *time.Time `json:"start_date"`
	Description string     `json:"description"`
}

func (h *httpHandler) handleCreateProject(c *gin.Context) {
	var payload createProjectPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	project, err := h.projects.Create(c.Request.Context(), projects.CreateInput{
		Code:        payload.Code,
		Name:        payload.Name,
		PIName:      payload.PIName,
		PIEmail:     payload.PIEmail,
		Department:  payload.Department,
		StartDate:   payload.StartDate,
		Description: payload.Description,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toProjectPayload(project))
}

func (h *httpHandler) handleListProjects(c *gin.Context) {
	list, err := h.projects.List(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	payloads := make([]projectPayload, 0, len(list))
	for _, project := range list {
		payloads = append(payloads, toProjectPayload(project))
	}
	c.JSON(http.StatusOK, gin.H{"projects": payloads})
}

func (h *httpHandler) handleGetProject(c *gin.Context) {
	project, err := h.projects.Get(c.Request.Context(), c.Param("projectID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toProjectPayload(project))
}

type updateProjectPayload struct {
	Name        *string    `json:"name"`
	PIName      *string    `json:"pi_name"`
	PIEmail     *string    `json:"pi_email"`
	Department  *string    `json:"department"`
	StartDate   *time.Time `json:"start_date"`
	Status      *string    `json:"status"`
	Description *string    `json:"description"`
}

func (h *httpHandler) handleUpdateProject(c *gin.Context) {
	var payload updateProjectPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	project, err := h.projects.Update(c.Request.Context(), c.Param("projectID"), projects.UpdateInput{
		Name:        payload.Name,
		PIName:      payload.PIName,
		PIEmail:     payload.PIEmail,
		Department:  payload.Department,
		StartDate:   payload.StartDate,
		Status:      payload.Status,
		Description: payload.Description,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toProjectPayload(project))
}

type experimentPayload struct {
	FolderID        string     `json:"folder_id"`
	ProjectFolderID string     `json:"project_folder_id"`
	Code            string     `json:"code"`
	Title           string     `json:"title"`
	Objective       string     `json:"objective"`
	Hypothesis      string     `json:"hypothesis"`
	AuthorName      string     `json:"author_name"`
	AuthorEmail     string     `json:"author_email"`
	Status          string     `json:"status"`
	Tags            []string   `json:"tags"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Version         int64      `json:"version"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`

	Steps    []stepPayload     `json:"steps,omitempty"`
	Reagents []reagentPayload  `json:"reagents,omitempty"`
	Yields   []yieldPayload    `json:"yields,omitempty"`
	Spectra  []spectrumPayload `json:"spectra,omitempty"`
}

func toExperimentPayload(e experiments.Experiment) experimentPayload {
	payload := experimentPayload{
		FolderID:        e.FolderID,
		ProjectFolderID: e.ProjectFolderID,
		Code:            e.Code,
		Title:           e.Title,
		Objective:       e.Objective,
		Hypothesis:      e.Hypothesis,
		AuthorName:      e.AuthorName,
		AuthorEmail:     e.AuthorEmail,
		Status:          e.Status,
		Tags:            decodeTags(e.Tags),
		StartedAt:       e.StartedAt,
		CompletedAt:     e.CompletedAt,
		Version:         e.Version,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
	}
	for _, step := range e.Steps {
		payload.Steps = append(payload.Steps, toStepPayload(step))
	}
	for _, reagent := range e.Reagents {
		payload.Reagents = append(payload.Reagents, toReagentPayload(reagent))
	}
	for _, yield := range e.Yields {
		payload.Yields = append(payload.Yields, toYieldPayload(yield))
	}
	for _, spectrum := range e.Spectra {
		payload.Spectra = append(payload.Spectra, toSpectrumPayload(spectrum))
	}
	return payload
}

func decodeTags(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var tags []string
	if err := json.Unmarshal(raw, &tags); err != nil {
		return nil
	}
	return tags
}

type createExperimentPayload struct {
	Code       string   `json:"code"`
	Title      string   `json:"title"`
	Objective  string   `json:"objective"`
	Hypothesis string   `json:"hypothesis"`
	Tags       []string `json:"tags"`
}

func (h *httpHandler) handleCreateExperiment(c *gin.Context) {
	var payload createExperimentPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	actor := currentAccount(c)
	experiment, err := h.experiments.Create(c.Request.Context(), experiments.CreateInput{
		ProjectFolderID: c.Param("projectID"),
		Code:            payload.Code,
		Title:           payload.Title,
		Objective:       payload.Objective,
		Hypothesis:      payload.Hypothesis,
		AuthorName:      actor.DisplayName,
		AuthorEmail:     actor.Email,
		Tags:            payload.Tags,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toExperimentPayload(experiment))
}

func (h *httpHandler) handleListExperiments(c *gin.Context) {
	list, err := h.experiments.ListByProject(c.Request.Context(), c.Param("projectID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	payloads := make([]experimentPayload, 0, len(list))
	for _, experiment := range list {
		payloads = append(payloads, toExperimentPayload(experiment))
	}
	c.JSON(http.StatusOK, gin.H{"experiments": payloads})
}

func (h *httpHandler) handleGetExperiment(c *gin.Context) {
	experiment, err := h.experiments.Get(c.Request.Context(), c.Param("experimentID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toExperimentPayload(experiment))
}

type updateExperimentPayload struct {
	Title      *string  `json:"title"`
	Objective  *string  `json:"objective"`
	Hypothesis *string  `json:"hypothesis"`
	Tags       []string `json:"tags"`
}

func (h *httpHandler) handleUpdateExperiment(c *gin.Context) {
	var payload updateExperimentPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	experiment, err := h.experiments.Update(c.Request.Context(), c.Param("experimentID"), experiments.UpdateInput{
		Title:      payload.Title,
		Objective:  payload.Objective,
		Hypothesis: payload.Hypothesis,
		Tags:       payload.Tags,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toExperimentPayload(experiment))
}

type transitionPayload struct {
	Status string `json:"status"`
}

func (h *httpHandler) handleTransition(c *gin.Context) {
	var payload transitionPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	target, err := experiments.ParseStatus(payload.Status)
	if err != nil {
		h.respondError(c, err)
		return
	}

	experiment, err := h.workflow.Transition(c.Request.Context(), c.Param("experimentID"), target, currentAccount(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toExperimentPayload(experiment))
}

type stepPayload struct {
	ID          string    `json:"id"`
	StepNumber  int       `json:"step_number"`
	Instruction string    `json:"instruction"`
	Notes       string    `json:"notes"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toStepPayload(s experiments.ProtocolStep) stepPayload {
	return stepPayload{
		ID:          s.ID,
		StepNumber:  s.StepNumber,
		Instruction: s.Instruction,
		Notes:       s.Notes,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

type addStepPayload struct {
	Instruction string `json:"instruction"`
	Notes       string `json:"notes"`
}

func (h *httpHandler) handleAddStep(c *gin.Context) {
	var payload addStepPayload
	if err := c.ShouldBindJSON(&payload); err != nil || strings.TrimSpace(payload.Instruction) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "instruction is required"})
		return
	}

	step, err := h.experiments.AddStep(c.Request.Context(), c.Param("experimentID"), payload.Instruction, payload.Notes)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toStepPayload(step))
}

type updateStepPayload struct {
	Instruction *string `json:"instruction"`
	Notes       *string `json:"notes"`
}

func (h *httpHandler) handleUpdateStep(c *gin.Context) {
	var payload updateStepPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	step, err := h.experiments.UpdateStep(c.Request.Context(), c.Param("experimentID"), c.Param("stepID"), payload.Instruction, payload.Notes)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toStepPayload(step))
}

func (h *httpHandler) handleDeleteStep(c *gin.Context) {
	if err := h.experiments.DeleteStep(c.Request.Context(), c.Param("experimentID"), c.Param("stepID")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListSteps(c *gin.Context) {
	steps, err := h.experiments.ListSteps(c.Request.Context(), c.Param("experimentID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	payloads := make([]stepPayload, 0, len(steps))
	for _, step := range steps {
		payloads = append(payloads, toStepPayload(step))
	}
	c.JSON(http.StatusOK, gin.H{"steps": payloads})
}

type snapshotPayload struct {
	ID        string          `json:"id"`
	Version   int64           `json:"version"`
	Steps     json.RawMessage `json:"steps"`
	CreatedAt time.Time       `json:"created_at"`
}

func toSnapshotPayload(s experiments.ProtocolSnapshot) snapshotPayload {
	return snapshotPayload{
		ID:        s.ID,
		Version:   s.Version,
		Steps:     json.RawMessage(s.StepsJSON),
		CreatedAt: s.CreatedAt,
	}
}

func (h *httpHandler) handleCaptureSnapshot(c *gin.Context) {
	snapshot, err := h.experiments.CaptureSnapshot(c.Request.Context(), c.Param("experimentID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toSnapshotPayload(snapshot))
}

func (h *httpHandler) handleListSnapshots(c *gin.Context) {
	snapshots, err := h.experiments.ListSnapshots(c.Request.Context(), c.Param("experimentID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	payloads := make([]snapshotPayload, 0, len(snapshots))
	for _, snapshot := range snapshots {
		payloads = append(payloads, toSnapshotPayload(snapshot))
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": payloads})
}

type reagentPayload struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Amount       float64  `json:"amount"`
	Unit         string   `json:"unit"`
	MolarAmount  *float64 `json:"molar_amount,omitempty"`
	MolarUnit    string   `json:"molar_unit,omitempty"`
	Observations string   `json:"observations,omitempty"`
}

func toReagentPayload(r experiments.Reagent) reagentPayload {
	return reagentPayload{
		ID:           r.ID,
		Name:         r.Name,
		Amount:       r.Amount,
		Unit:         r.Unit,
		MolarAmount:  r.MolarAmount,
		MolarUnit:    r.MolarUnit,
		Observations: r.Observations,
	}
}

type addReagentPayload struct {
	Name         string   `json:"name"`
	Amount       float64  `json:"amount"`
	Unit         string   `json:"unit"`
	MolarAmount  *float64 `json:"molar_amount"`
	MolarUnit    string   `json:"molar_unit"`
	Observations string   `json:"observations"`
}

func (h *httpHandler) handleAddReagent(c *gin.Context) {
	var payload addReagentPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	reagent, err := h.experiments.AddReagent(c.Request.Context(), c.Param("experimentID"), experiments.ReagentInput{
		Name:         payload.Name,
		Amount:       payload.Amount,
		Unit:         payload.Unit,
		MolarAmount:  payload.MolarAmount,
		MolarUnit:    payload.MolarUnit,
		Observations: payload.Observations,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toReagentPayload(reagent))
}

func (h *httpHandler) handleDeleteReagent(c *gin.Context) {
	if err := h.experiments.DeleteReagent(c.Request.Context(), c.Param("experimentID"), c.Param("reagentID")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type yieldPayload struct {
	ID          string  `json:"id"`
	ProductName string  `json:"product_name"`
	Theoretical float64 `json:"theoretical"`
	Actual      float64 `json:"actual"`
	Percentage  float64 `json:"percentage"`
	Unit        string  `json:"unit"`
}

func toYieldPayload(y experiments.Yield) yieldPayload {
	return yieldPayload{
		ID:          y.ID,
		ProductName: y.ProductName,
		Theoretical: y.Theoretical,
		Actual:      y.Actual,
		Percentage:  y.Percentage,
		Unit:        y.Unit,
	}
}

type saveYieldPayload struct {
	ProductName string  `json:"product_name"`
	Theoretical float64 `json:"theoretical"`
	Actual      float64 `json:"actual"`
	Unit        string  `json:"unit"`
}

func (h *httpHandler) handleSaveYield(c *gin.Context) {
	var payload saveYieldPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	yield, err := h.experiments.SaveYield(c.Request.Context(), c.Param("experimentID"), experiments.YieldInput{
		ProductName: payload.ProductName,
		Theoretical: payload.Theoretical,
		Actual:      payload.Actual,
		Unit:        payload.Unit,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toYieldPayload(yield))
}

type spectrumPayload struct {
	ID        string            `json:"id"`
	Technique string            `json:"technique"`
	Title     string            `json:"title,omitempty"`
	Caption   string            `json:"caption,omitempty"`
	FileID    string            `json:"file_id,omitempty"`
	Peaks     map[string]string `json:"peaks,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

func toSpectrumPayload(s experiments.Spectrum) spectrumPayload {
	payload := spectrumPayload{
		ID:        s.ID,
		Technique: s.Technique,
		Title:     s.Title,
		Caption:   s.Caption,
		FileID:    s.FileID,
		CreatedAt: s.CreatedAt,
	}
	if len(s.Peaks) > 0 {
		peaks := map[string]string{}
		if err := json.Unmarshal(s.Peaks, &peaks); err == nil {
			payload.Peaks = peaks
		}
	}
	return payload
}

type addSpectrumPayload struct {
	Technique string            `json:"technique"`
	Title     string            `json:"title"`
	Caption   string            `json:"caption"`
	FileID    string            `json:"file_id"`
	Peaks     map[string]string `json:"peaks"`
}

func (h *httpHandler) handleAddSpectrum(c *gin.Context) {
	var payload addSpectrumPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	spectrum, err := h.experiments.AddSpectrum(c.Request.Context(), c.Param("experimentID"), experiments.SpectrumInput{
		Technique: payload.Technique,
		Title:     payload.Title,
		Caption:   payload.Caption,
		FileID:    payload.FileID,
		Peaks:     payload.Peaks,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toSpectrumPayload(spectrum))
}

func (h *httpHandler) handleDeleteSpectrum(c *gin.Context) {
	if err := h.experiments.DeleteSpectrum(c.Request.Context(), c.Param("experimentID"), c.Param("spectrumID")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type ingestPayload struct {
	FileID string `json:"file_id"`
}

func (h *httpHandler) handleIngest(c *gin.Context) {
	var payload ingestPayload
	if err := c.ShouldBindJSON(&payload); err != nil || strings.TrimSpace(payload.FileID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file_id is required"})
		return
	}

	result, err := h.pipeline.IngestInstrumentFile(c.Request.Context(), payload.FileID, c.Param("experimentID"), currentAccount(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleUploadFile(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}

	experimentID := c.Param("experimentID")
	if _, err := h.experiments.Get(c.Request.Context(), experimentID); err != nil {
		h.respondError(c, err)
		return
	}

	content, err := header.Open()
	if err != nil {
		h.respondError(c, err)
		return
	}
	defer content.Close()

	fileID, err := h.pipeline.UploadInstrumentFile(
		c.Request.Context(),
		experimentID,
		header.Filename,
		content,
		header.Size,
		header.Header.Get("Content-Type"),
		currentAccount(c),
	)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"file_id": fileID})
}

type generateProtocolPayload struct {
	Prompt string `json:"prompt"`
}

func (h *httpHandler) handleGenerateProtocol(c *gin.Context) {
	var payload generateProtocolPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	protocol, err := h.pipeline.GenerateProtocol(c.Request.Context(), payload.Prompt, c.Param("experimentID"), currentAccount(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, protocol)
}

type notificationPayload struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Link      string    `json:"link,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 50)
	account := currentAccount(c)
	list, err := h.notifications.ListForUser(c.Request.Context(), account.ID, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	payloads := make([]notificationPayload, 0, len(list))
	for _, notification := range list {
		payloads = append(payloads, notificationPayload{
			ID:        notification.ID,
			Title:     notification.Title,
			Message:   notification.Message,
			Link:      notification.Link,
			Read:      notification.IsRead(),
			CreatedAt: notification.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"notifications": payloads})
}

func (h *httpHandler) handleUnreadCount(c *gin.Context) {
	account := currentAccount(c)
	count, err := h.notifications.UnreadCount(c.Request.Context(), account.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": count})
}

func (h *httpHandler) handleMarkNotificationRead(c *gin.Context) {
	account := currentAccount(c)
	if err := h.notifications.MarkRead(c.Request.Context(), account.ID, c.Param("notificationID")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDashboard(c *gin.Context) {
	summary, err := h.experiments.Summarize(c.Request.Context(), parseLimit(c.Query("recent"), 10))
	if err != nil {
		h.respondError(c, err)
		return
	}

	projectCount, err := h.projects.Count(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}

	recent := make([]experimentPayload, 0, len(summary.Recent))
	for _, experiment := range summary.Recent {
		recent = append(recent, toExperimentPayload(experiment))
	}
	c.JSON(http.StatusOK, gin.H{
		"projects":    projectCount,
		"experiments": summary.Total,
		"by_status":   summary.ByStatus,
		"recent":      recent,
	})
}

type auditEntryPayload struct {
	ID         string          `json:"id"`
	ActorID    string          `json:"actor_id,omitempty"`
	Action     string          `json:"action"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Details    json.RawMessage `json:"details,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (h *httpHandler) handleListAudit(c *gin.Context) {
	entries, err := h.audit.ListByEntity(c.Request.Context(), c.Param("entityType"), c.Param("entityID"), parseLimit(c.Query("limit"), 100))
	if err != nil {
		h.respondError(c, err)
		return
	}
	payloads := make([]auditEntryPayload, 0, len(entries))
	for _, entry := range entries {
		payload := auditEntryPayload{
			ID:         entry.ID,
			Action:     entry.Action,
			EntityType: entry.EntityType,
			EntityID:   entry.EntityID,
			Details:    json.RawMessage(entry.Details),
			CreatedAt:  entry.CreatedAt,
		}
		if entry.ActorID != nil {
			payload.ActorID = *entry.ActorID
		}
		payloads = append(payloads, payload)
	}
	c.JSON(http.StatusOK, gin.H{"entries": payloads})
}

func (h *httpHandler) handleReconcileOutbox(c *gin.Context) {
	result, err := h.workflow.ReconcileStatusOutbox(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type setRolePayload struct {
	Role string `json:"role"`
}

func (h *httpHandler) handleSetRole(c *gin.Context) {
	var payload setRolePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	role, err := users.ParseRole(payload.Role)
	if err != nil {
		h.respondError(c, err)
		return
	}

	account, err := h.accounts.SetRole(c.Request.Context(), c.Param("accountID"), role)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":           account.ID,
		"email":        account.Email,
		"display_name": account.DisplayName,
		"role":         account.Role,
	})
}

func parseLimit(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}
