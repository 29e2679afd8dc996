// Package docstore abstracts the external document store holding the
// authoritative experiment and project folders, their structured metadata,
// collaborator lists and instrument files.
package docstore

import (
	"context"
	"errors"
	"io"
)

// Metadata template names recognized by the store.
const (
	TemplateProjectProperties    = "project_properties"
	TemplateExperimentProperties = "experiment_properties"
)

// Collaborator roles understood by the store.
const (
	CollabRoleOwner  = "owner"
	CollabRoleEditor = "editor"
	CollabRoleViewer = "viewer"
)

// ErrNotFound indicates the referenced folder, file or metadata document is absent.
var ErrNotFound = errors.New("docstore: not found")

// PatchOp enumerates metadata patch operations.
type PatchOp string

const (
	PatchOpSet    PatchOp = "set"
	PatchOpRemove PatchOp = "remove"
)

// PatchOperation mutates a single metadata field.
type PatchOperation struct {
	Op    PatchOp
	Field string
	Value any
}

// SetField builds a set patch operation.
func SetField(field string, value any) PatchOperation {
	return PatchOperation{Op: PatchOpSet, Field: field, Value: value}
}

// RemoveField builds a remove patch operation.
func RemoveField(field string) PatchOperation {
	return PatchOperation{Op: PatchOpRemove, Field: field}
}

// Collaboration describes one collaborator entry on a folder.
type Collaboration struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// FileContent is a downloaded file with its resolved name and declared type.
type FileContent struct {
	Name        string
	ContentType string
	Data        []byte
}

// Store is the document store surface consumed by the workflow engine,
// the ingestion pipeline and the CRUD services.
type Store interface {
	EnsureFolder(ctx context.Context, folderID string) error
	GetFolderMetadata(ctx context.Context, folderID, template string) (map[string]any, error)
	PatchFolderMetadata(ctx context.Context, folderID, template string, ops []PatchOperation) error
	DownloadFile(ctx context.Context, fileID string) (FileContent, error)
	UploadFile(ctx context.Context, folderID, name string, r io.Reader, size int64, contentType string) (string, error)
	ListCollaborations(ctx context.Context, folderID string) ([]Collaboration, error)
	UpdateCollaborationRole(ctx context.Context, folderID, collabID, role string) error
}

// ApplyPatch applies patch operations to a metadata document in order.
func ApplyPatch(metadata map[string]any, ops []PatchOperation) map[string]any {
	patched := make(map[string]any, len(metadata)+len(ops))
	for field, value := range metadata {
		patched[field] = value
	}
	for _, op := range ops {
		switch op.Op {
		case PatchOpSet:
			patched[op.Field] = op.Value
		case PatchOpRemove:
			delete(patched, op.Field)
		}
	}
	return patched
}
