package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	metaPrefix        = ".meta"
	collaboratorsDoc  = "collaborators.json"
	jsonContentType   = "application/json"
	bucketEnsureLimit = 5 * time.Second
)

// MinioConfig holds connection settings for an S3-compatible endpoint.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioStore implements Store on top of a single bucket: folders are key
// prefixes, metadata templates and collaborator lists are JSON documents
// under "<folder>/.meta/", files are plain objects.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to the endpoint and ensures the bucket exists.
func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("docstore: endpoint is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("docstore: bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), bucketEnsureLimit)
	defer cancel()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

// EnsureFolder creates the folder's metadata prefix marker if missing.
func (m *MinioStore) EnsureFolder(ctx context.Context, folderID string) error {
	key := path.Join(folderID, metaPrefix, ".folder")
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(nil), 0, minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("ensure folder: %w", err)
	}
	return nil
}

// GetFolderMetadata loads the metadata document for the named template.
// A folder without the document yields an empty map, not an error.
func (m *MinioStore) GetFolderMetadata(ctx context.Context, folderID, template string) (map[string]any, error) {
	data, err := m.getObject(ctx, metadataKey(folderID, template))
	if errors.Is(err, ErrNotFound) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	metadata := map[string]any{}
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil, fmt.Errorf("decode metadata %s/%s: %w", folderID, template, err)
	}
	return metadata, nil
}

// PatchFolderMetadata applies the operations read-modify-write.
func (m *MinioStore) PatchFolderMetadata(ctx context.Context, folderID, template string, ops []PatchOperation) error {
	metadata, err := m.GetFolderMetadata(ctx, folderID, template)
	if err != nil {
		return err
	}
	patched := ApplyPatch(metadata, ops)
	encoded, err := json.Marshal(patched)
	if err != nil {
		return fmt.Errorf("encode metadata %s/%s: %w", folderID, template, err)
	}
	return m.putObject(ctx, metadataKey(folderID, template), encoded, jsonContentType)
}

// DownloadFile fetches a file object in full.
func (m *MinioStore) DownloadFile(ctx context.Context, fileID string) (FileContent, error) {
	object, err := m.client.GetObject(ctx, m.bucket, fileID, minio.GetObjectOptions{})
	if err != nil {
		return FileContent{}, fmt.Errorf("get object %s: %w", fileID, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if isMissingObject(err) {
			return FileContent{}, fmt.Errorf("%w: %s", ErrNotFound, fileID)
		}
		return FileContent{}, fmt.Errorf("read object %s: %w", fileID, err)
	}
	info, err := object.Stat()
	contentType := ""
	if err == nil {
		contentType = info.ContentType
	}
	return FileContent{
		Name:        path.Base(fileID),
		ContentType: contentType,
		Data:        data,
	}, nil
}

// UploadFile stores a file under the folder prefix and returns its handle.
func (m *MinioStore) UploadFile(ctx context.Context, folderID, name string, r io.Reader, size int64, contentType string) (string, error) {
	key := path.Join(folderID, safeName(name))
	_, err := m.client.PutObject(ctx, m.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return key, nil
}

// ListCollaborations loads the collaborator list attached to a folder.
func (m *MinioStore) ListCollaborations(ctx context.Context, folderID string) ([]Collaboration, error) {
	data, err := m.getObject(ctx, path.Join(folderID, metaPrefix, collaboratorsDoc))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var collabs []Collaboration
	if err := json.Unmarshal(data, &collabs); err != nil {
		return nil, fmt.Errorf("decode collaborators %s: %w", folderID, err)
	}
	return collabs, nil
}

// UpdateCollaborationRole rewrites one collaborator entry.
func (m *MinioStore) UpdateCollaborationRole(ctx context.Context, folderID, collabID, role string) error {
	collabs, err := m.ListCollaborations(ctx, folderID)
	if err != nil {
		return err
	}
	found := false
	for i := range collabs {
		if collabs[i].ID == collabID {
			collabs[i].Role = role
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: collaboration %s on %s", ErrNotFound, collabID, folderID)
	}
	encoded, err := json.Marshal(collabs)
	if err != nil {
		return fmt.Errorf("encode collaborators %s: %w", folderID, err)
	}
	return m.putObject(ctx, path.Join(folderID, metaPrefix, collaboratorsDoc), encoded, jsonContentType)
}

func (m *MinioStore) getObject(ctx context.Context, key string) ([]byte, error) {
	object, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer object.Close()
	data, err := io.ReadAll(object)
	if err != nil {
		if isMissingObject(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

func (m *MinioStore) putObject(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func metadataKey(folderID, template string) string {
	return path.Join(folderID, metaPrefix, template+".json")
}

func isMissingObject(err error) bool {
	response := minio.ToErrorResponse(err)
	return response.Code == "NoSuchKey" || response.StatusCode == 404
}

func safeName(name string) string {
	name = path.Base(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, "/", "_")
	if name == "" || name == "." {
		return "file"
	}
	return name
}
