// Package snapgit maintains a git-backed history of snapshot set
// activations. Each publish appends one commit recording the batch, so "what
// was live when" is answerable with plain git tooling even if the database
// is unavailable.
package snapgit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"semreg/api/internal/store"
)

const historyFile = "snapshots.json"

type Service struct {
	dir string
	mu  sync.Mutex
}

func New(dir string) *Service {
	return &Service{dir: dir}
}

type snapshotRecord struct {
	BatchID       string    `json:"batch_id"`
	SnapshotSetID string    `json:"snapshot_set_id"`
	ChangeSetIDs  []string  `json:"change_set_ids"`
	Publisher     string    `json:"publisher"`
	PublishedAt   time.Time `json:"published_at"`
}

// RecordPublish appends the batch to the history file and commits it with
// the publisher as author.
func (s *Service) RecordPublish(_ context.Context, batch store.PublishBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := s.ensureRepo()
	if err != nil {
		return err
	}

	records, err := s.readHistory()
	if err != nil {
		return err
	}

	record := snapshotRecord{
		BatchID:       batch.ID.String(),
		SnapshotSetID: batch.SnapshotSetID.String(),
		Publisher:     batch.Publisher,
		PublishedAt:   batch.PublishedAt,
	}
	for _, id := range batch.ChangeSetIDs {
		record.ChangeSetIDs = append(record.ChangeSetIDs, id.String())
	}
	records = append(records, record)

	payload, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, historyFile), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write history: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if _, err := worktree.Add(historyFile); err != nil {
		return fmt.Errorf("git add history: %w", err)
	}
	message := fmt.Sprintf("Activate snapshot set %s (%d change sets)",
		batch.SnapshotSetID, len(batch.ChangeSetIDs))
	if _, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name: batch.Publisher,
			When: time.Now(),
		},
	}); err != nil {
		return fmt.Errorf("git commit history: %w", err)
	}
	return nil
}

// History returns recorded activations, newest last.
func (s *Service) History() ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readHistory()
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, map[string]any{
			"batch_id":        rec.BatchID,
			"snapshot_set_id": rec.SnapshotSetID,
			"change_set_ids":  rec.ChangeSetIDs,
			"publisher":       rec.Publisher,
			"published_at":    rec.PublishedAt,
		})
	}
	return out, nil
}

func (s *Service) ensureRepo() (*git.Repository, error) {
	if repo, err := git.PlainOpen(s.dir); err == nil {
		return repo, nil
	} else if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open snapshot repo: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	repo, err := git.PlainInit(s.dir, false)
	if err != nil {
		return nil, fmt.Errorf("init snapshot repo: %w", err)
	}
	return repo, nil
}

func (s *Service) readHistory() ([]snapshotRecord, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, historyFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	var records []snapshotRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse history: %w", err)
	}
	return records, nil
}
