// Package search mirrors ChangeSets into Meilisearch so reviewers can find
// proposals by title, rationale, or author. Indexing is best effort: the
// registry is the source of truth and the index can always be rebuilt.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"semreg/api/internal/store"
)

const idxChangeSets = "semreg_change_sets"

// Meili indexes and searches ChangeSets via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the index. The
// returned value works even while Meilisearch is down; a background loop
// reconnects.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxChangeSets,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxChangeSets, err)
	}

	index := m.client.Index(idxChangeSets)
	filterable := []interface{}{"status", "created_by", "breaking_change"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs for %s: %v", idxChangeSets, err)
	}
	searchable := []string{"title", "rationale", "created_by"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs for %s: %v", idxChangeSets, err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

type changeSetDocument struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	Title          string `json:"title"`
	Rationale      string `json:"rationale"`
	CreatedBy      string `json:"created_by"`
	BreakingChange bool   `json:"breaking_change"`
	CreatedAt      int64  `json:"created_at"`
}

// IndexChangeSet upserts one ChangeSet into the index.
func (m *Meili) IndexChangeSet(_ context.Context, cs store.ChangeSet) error {
	if !m.healthy.Load() {
		return fmt.Errorf("meilisearch unhealthy")
	}
	doc := changeSetDocument{
		ID:             cs.ID.String(),
		Status:         string(cs.Status),
		Title:          cs.Title,
		Rationale:      cs.Rationale,
		CreatedBy:      cs.CreatedBy,
		BreakingChange: cs.BreakingChange,
		CreatedAt:      cs.CreatedAt.Unix(),
	}
	if _, err := m.client.Index(idxChangeSets).AddDocuments([]changeSetDocument{doc}, nil); err != nil {
		m.healthy.Store(false)
		return fmt.Errorf("index change set: %w", err)
	}
	return nil
}

// Search queries the ChangeSet index.
func (m *Meili) Search(_ context.Context, query, status string, limit int) ([]map[string]any, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}
	if limit <= 0 {
		limit = 20
	}

	req := &meili.SearchRequest{Limit: int64(limit)}
	if status != "" {
		req.Filter = fmt.Sprintf("status = %q", status)
	}
	resp, err := m.client.Index(idxChangeSets).Search(query, req)
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch search: %w", err)
	}

	results := make([]map[string]any, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, decodeHit(hit))
	}
	return results, nil
}

// decodeHit unpacks a raw Meilisearch hit into plain values.
func decodeHit(hit meili.Hit) map[string]any {
	doc := make(map[string]any, len(hit))
	for key, raw := range hit {
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			continue
		}
		doc[key] = value
	}
	return doc
}
