package search

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxLines = "cora_lines"

// Meili indexes lines in Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	logger  *slog.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the line index. An
// unreachable server leaves the client unhealthy; the health loop keeps
// probing and configures the index once it comes up.
func NewMeili(url, apiKey string, logger *slog.Logger) *Meili {
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		logger: logger,
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		logger.Warn("meilisearch unavailable", "url", url, "error", err)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idxLines, PrimaryKey: "id"}); err != nil {
		m.logger.Debug("create index (may already exist)", "index", idxLines, "error", err)
	}

	index := m.client.Index(idxLines)
	filterable := []interface{}{"documentId", "projectId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("update filterable attributes", "index", idxLines, "error", err)
	}
	searchable := []string{string(FieldToken), string(FieldNorm), string(FieldLemma), string(FieldPOS), string(FieldMorph)}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("update searchable attributes", "index", idxLines, "error", err)
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
				m.logger.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(q Query) ([]Hit, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	field := q.Field
	if field == "" {
		field = FieldToken
	}
	request := &meili.SearchRequest{
		IndexUID:              idxLines,
		Query:                 q.Text,
		Limit:                 int64(q.limit()),
		Offset:                int64(q.offset()),
		AttributesToSearchOn:  []string{string(field)},
		AttributesToHighlight: []string{string(field)},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	if filters := meiliFilters(q); len(filters) > 0 {
		request.Filter = filters
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{request},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	var hits []Hit
	total := 0
	for _, result := range resp.Results {
		total += int(result.EstimatedTotalHits)
		for _, hit := range result.Hits {
			hits = append(hits, decodeHit(hit, field))
		}
	}
	return hits, total, nil
}

func meiliFilters(q Query) []string {
	var filters []string
	if q.DocumentID > 0 {
		filters = append(filters, fmt.Sprintf("documentId = %d", q.DocumentID))
	}
	if q.ProjectID > 0 {
		filters = append(filters, fmt.Sprintf("projectId = %d", q.ProjectID))
	}
	return filters
}

func decodeHit(hit meili.Hit, field Field) Hit {
	h := Hit{
		LineID:       decodeInt(hit, "lineId"),
		DocumentID:   decodeInt(hit, "documentId"),
		DocumentName: decodeString(hit, "documentName"),
		Position:     int(decodeInt(hit, "position")),
		Token:        decodeString(hit, "token"),
		POS:          decodeString(hit, "pos"),
		Lemma:        decodeString(hit, "lemma"),
		Norm:         decodeString(hit, "norm"),
	}
	h.Snippet = decodeFormattedString(hit, string(field))
	return h
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeInt(hit meili.Hit, key string) int64 {
	raw, ok := hit[key]
	if !ok {
		return 0
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	return 0
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(formatted[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// IndexLines adds or replaces line records.
func (m *Meili) IndexLines(records []LineRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxLines).AddDocuments(records, nil)
	return err
}

// DeleteDocumentLines drops every indexed line of one document.
func (m *Meili) DeleteDocumentLines(documentID int64) error {
	_, err := m.client.Index(idxLines).DeleteDocumentsByFilter("documentId = "+strconv.FormatInt(documentID, 10), nil)
	return err
}
