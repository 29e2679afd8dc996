// Package pipeline turns unstructured instrument files and free-text prompts
// into schema-validated draft records via an external generative model. The
// pipeline never writes drafts to the record store: a human reviews and
// applies each item through the ordinary create operations.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/parkside-labs/labbook/internal/audit"
	"github.com/parkside-labs/labbook/internal/docstore"
	"github.com/parkside-labs/labbook/internal/genai"
	"github.com/parkside-labs/labbook/internal/users"
)

const (
	actionIngestFile       = "ingest_instrument_file"
	actionUploadFile       = "upload_instrument_file"
	actionGenerateProtocol = "generate_protocol_ai"
	entityExperiment       = "experiment"

	extractionPrompt = "You are extracting structured laboratory data from an instrument " +
		"output file. Identify any product yields, spectra interpretations, reagents and " +
		"free-text notes present in the file. Report only what the file actually contains; " +
		"omit every field you cannot find. Amounts must be numeric, units as written."

	protocolPromptPrefix = "Draft a laboratory protocol as an ordered list of concise, " +
		"imperative steps for the following procedure. Include expected results and reagent " +
		"names per step where they are clear, plus a title, objective and hypothesis when " +
		"they can be inferred.\n\nProcedure: "
)

// ErrUnauthenticated indicates a pipeline call without an authenticated actor.
var ErrUnauthenticated = errors.New("pipeline: authenticated caller required")

// ErrPromptRequired indicates a protocol generation call with an empty prompt.
var ErrPromptRequired = errors.New("pipeline: prompt is required")

// UnsupportedFileTypeError reports a file whose media type the vision model
// does not accept. It is raised before any model call.
type UnsupportedFileTypeError struct {
	FileName  string
	MediaType string
}

func (e *UnsupportedFileTypeError) Error() string {
	return fmt.Sprintf("pipeline: unsupported file type %q for %q", e.MediaType, e.FileName)
}

// ExtractionSchemaError reports model output that violates the response schema.
type ExtractionSchemaError struct {
	Cause error
}

func (e *ExtractionSchemaError) Error() string {
	return fmt.Sprintf("pipeline: model output violates schema: %v", e.Cause)
}

func (e *ExtractionSchemaError) Unwrap() error {
	return e.Cause
}

// acceptedMediaTypes is the whitelist of binary formats the vision model accepts.
var acceptedMediaTypes = map[string]struct{}{
	"application/pdf": {},
	"image/jpeg":      {},
	"image/png":       {},
	"image/gif":       {},
}

// extensionMediaTypes resolves types for files whose bytes sniff as generic.
var extensionMediaTypes = map[string]string{
	".pdf":  "application/pdf",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
}

// PipelineConfig describes the pipeline dependencies.
type PipelineConfig struct {
	Documents docstore.Store
	Model     genai.ObjectGenerator
	Audit     *audit.Recorder
	Logger    *zap.Logger
	Clock     func() time.Time
}

// Pipeline invokes the generative model under a strict output schema.
type Pipeline struct {
	docs   docstore.Store
	model  genai.ObjectGenerator
	audit  *audit.Recorder
	logger *zap.Logger
}

// NewPipeline constructs the pipeline.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Documents == nil {
		return nil, errors.New("pipeline: document store required")
	}
	if cfg.Model == nil {
		return nil, errors.New("pipeline: object generator required")
	}
	if cfg.Audit == nil {
		return nil, errors.New("pipeline: audit recorder required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{docs: cfg.Documents, model: cfg.Model, audit: cfg.Audit, logger: logger}, nil
}

// UploadInstrumentFile stores a raw instrument file under the experiment
// folder and returns its file ID for a later ingest call.
func (p *Pipeline) UploadInstrumentFile(ctx context.Context, experimentFolderID, name string, content io.Reader, size int64, contentType string, actor users.Account) (string, error) {
	if actor.ID == "" {
		return "", ErrUnauthenticated
	}

	fileID, err := p.docs.UploadFile(ctx, experimentFolderID, name, content, size, contentType)
	if err != nil {
		return "", err
	}

	p.audit.Record(ctx, audit.Event{
		ActorID:    actor.ID,
		Action:     actionUploadFile,
		EntityType: entityExperiment,
		EntityID:   experimentFolderID,
		Details: map[string]any{
			"fileID":      fileID,
			"fileName":    name,
			"contentType": contentType,
			"sizeBytes":   size,
		},
	})
	return fileID, nil
}

// IngestInstrumentFile downloads the file, gates it on the media-type
// whitelist and asks the model for a schema-constrained extraction. The
// audit entry carrying the full payload is the durable trace of the run.
func (p *Pipeline) IngestInstrumentFile(ctx context.Context, fileID, experimentFolderID string, actor users.Account) (ExtractionResult, error) {
	if actor.ID == "" {
		return ExtractionResult{}, ErrUnauthenticated
	}

	file, err := p.docs.DownloadFile(ctx, fileID)
	if err != nil {
		return ExtractionResult{}, err
	}

	mediaType := resolveMediaType(file.Name, file.Data)
	if _, ok := acceptedMediaTypes[mediaType]; !ok {
		return ExtractionResult{}, &UnsupportedFileTypeError{FileName: file.Name, MediaType: mediaType}
	}

	raw, err := p.model.GenerateObject(ctx, genai.ObjectRequest{
		Prompt: extractionPrompt,
		Files:  []genai.Blob{{MIMEType: mediaType, Data: file.Data}},
		Schema: extractionSchema,
	})
	if err != nil {
		return ExtractionResult{}, err
	}

	result, err := decodeExtractionResult(raw)
	if err != nil {
		return ExtractionResult{}, err
	}

	p.audit.Record(ctx, audit.Event{
		ActorID:    actor.ID,
		Action:     actionIngestFile,
		EntityType: entityExperiment,
		EntityID:   experimentFolderID,
		Details: map[string]any{
			"fileName":  file.Name,
			"mediaType": mediaType,
			"extracted": result,
		},
	})
	return result, nil
}

// GenerateProtocol asks the model for a schema-constrained protocol draft
// from a free-text description. The caller persists reviewed steps itself.
func (p *Pipeline) GenerateProtocol(ctx context.Context, prompt, experimentFolderID string, actor users.Account) (GeneratedProtocol, error) {
	if actor.ID == "" {
		return GeneratedProtocol{}, ErrUnauthenticated
	}
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return GeneratedProtocol{}, ErrPromptRequired
	}

	raw, err := p.model.GenerateObject(ctx, genai.ObjectRequest{
		Prompt: protocolPromptPrefix + trimmed,
		Schema: protocolSchema,
	})
	if err != nil {
		return GeneratedProtocol{}, err
	}

	protocol, err := decodeGeneratedProtocol(raw)
	if err != nil {
		return GeneratedProtocol{}, err
	}

	p.audit.Record(ctx, audit.Event{
		ActorID:    actor.ID,
		Action:     actionGenerateProtocol,
		EntityType: entityExperiment,
		EntityID:   experimentFolderID,
		Details: map[string]any{
			"prompt":    trimmed,
			"title":     protocol.Title,
			"stepCount": len(protocol.Steps),
		},
	})
	return protocol, nil
}

// resolveMediaType sniffs the file bytes and falls back to the filename
// extension when sniffing yields only a generic type.
func resolveMediaType(name string, data []byte) string {
	detected := mimetype.Detect(data)
	mediaType := detected.String()
	if idx := strings.Index(mediaType, ";"); idx >= 0 {
		mediaType = mediaType[:idx]
	}
	mediaType = strings.TrimSpace(mediaType)
	if _, ok := acceptedMediaTypes[mediaType]; ok {
		return mediaType
	}
	if fromExt, ok := extensionMediaTypes[strings.ToLower(path.Ext(name))]; ok {
		return fromExt
	}
	return mediaType
}
