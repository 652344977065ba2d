// Package archive keeps an object-storage copy of every proposed bundle.
// The database row is authoritative; the archive exists so the exact bytes a
// proposer submitted can be pulled for review or forensics without touching
// the registry.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"semreg/api/internal/store"
)

type Minio struct {
	client *minio.Client
	bucket string
}

// NewMinio connects to the object store and ensures the bundle bucket
// exists.
func NewMinio(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Minio, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	return &Minio{client: client, bucket: bucket}, nil
}

type archivedArtifact struct {
	Type        string `json:"type"`
	Ordinal     int    `json:"ordinal"`
	Path        string `json:"path"`
	Content     string `json:"content"`
	ContentHash string `json:"content_hash"`
}

type archivedBundle struct {
	ChangeSetID string             `json:"change_set_id"`
	Title       string             `json:"title"`
	Rationale   string             `json:"rationale,omitempty"`
	CreatedBy   string             `json:"created_by"`
	ContentHash string             `json:"content_hash"`
	HashVersion string             `json:"hash_version"`
	ArchivedAt  time.Time          `json:"archived_at"`
	Artifacts   []archivedArtifact `json:"artifacts"`
}

// ArchiveBundle writes the full bundle as one JSON object keyed by
// ChangeSet id. Re-archiving the same ChangeSet overwrites; content is
// immutable after propose so the bytes never differ.
func (m *Minio) ArchiveBundle(ctx context.Context, cs store.ChangeSet, artifacts []store.Artifact) error {
	payload := archivedBundle{
		ChangeSetID: cs.ID.String(),
		Title:       cs.Title,
		Rationale:   cs.Rationale,
		CreatedBy:   cs.CreatedBy,
		ContentHash: cs.ContentHash,
		HashVersion: cs.HashVersion,
		ArchivedAt:  time.Now().UTC(),
	}
	for _, a := range artifacts {
		payload.Artifacts = append(payload.Artifacts, archivedArtifact{
			Type:        string(a.Type),
			Ordinal:     a.Ordinal,
			Path:        a.Path,
			Content:     a.Content,
			ContentHash: a.ContentHash,
		})
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal bundle: %w", err)
	}

	objectName := fmt.Sprintf("bundles/%s.json", cs.ID)
	_, err = m.client.PutObject(ctx, m.bucket, objectName,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("put bundle object: %w", err)
	}
	return nil
}

// FetchBundle retrieves an archived bundle by ChangeSet id.
func (m *Minio) FetchBundle(ctx context.Context, changeSetID string) ([]byte, error) {
	objectName := fmt.Sprintf("bundles/%s.json", changeSetID)
	obj, err := m.client.GetObject(ctx, m.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get bundle object: %w", err)
	}
	defer obj.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(obj); err != nil {
		return nil, fmt.Errorf("read bundle object: %w", err)
	}
	return buf.Bytes(), nil
}
