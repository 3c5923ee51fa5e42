// Package audit maintains a full-text index over governance events and
// decision contributions. Operators query it after the fact: which
// events mentioned an agent, what positions were argued in a decision
// session, which correlations touched a proposal.
package audit

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/google/uuid"

	"github.com/govkit/govkit/errors"
	"github.com/govkit/govkit/events"
)

// Document kinds stored in the index.
const (
	KindEvent        = "event"
	KindContribution = "contribution"
)

// Config configures the audit index.
type Config struct {
	// Path is the on-disk index directory. Empty keeps the index in
	// memory, which is what tests use.
	Path string
}

// Index is the searchable audit record.
type Index struct {
	mu  sync.RWMutex
	idx bleve.Index

	indexed     atomic.Uint64
	indexErrors atomic.Uint64
}

// document is the indexed shape for both events and contributions.
type document struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	Type          string    `json:"type,omitempty"`
	Domain        string    `json:"domain,omitempty"`
	Session       string    `json:"session,omitempty"`
	Agent         string    `json:"agent,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Source        string    `json:"source,omitempty"`
	Text          string    `json:"text"`
	Timestamp     time.Time `json:"timestamp"`
}

// Hit is one search result.
type Hit struct {
	ID      string  `json:"id"`
	Kind    string  `json:"kind"`
	Type    string  `json:"type,omitempty"`
	Session string  `json:"session,omitempty"`
	Agent   string  `json:"agent,omitempty"`
	Text    string  `json:"text"`
	Score   float64 `json:"score"`
}

// Stats is a point-in-time snapshot of index activity.
type Stats struct {
	Indexed     uint64 `json:"indexed"`
	IndexErrors uint64 `json:"index_errors"`
}

// New opens the audit index, creating it when absent.
func New(cfg Config) (*Index, error) {
	var (
		idx bleve.Index
		err error
	)
	if cfg.Path == "" {
		idx, err = bleve.NewMemOnly(buildMapping())
	} else if _, statErr := os.Stat(cfg.Path); os.IsNotExist(statErr) {
		idx, err = bleve.New(cfg.Path, buildMapping())
	} else {
		idx, err = bleve.Open(cfg.Path)
	}
	if err != nil {
		return nil, errors.Internal(fmt.Sprintf("open audit index: %v", err))
	}
	return &Index{idx: idx}, nil
}

// buildMapping analyzes the text field and keeps identifiers exact.
func buildMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()

	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name
	keyword := bleve.NewKeywordFieldMapping()
	date := bleve.NewDateTimeFieldMapping()

	doc.AddFieldMappingsAt("text", text)
	doc.AddFieldMappingsAt("kind", keyword)
	doc.AddFieldMappingsAt("type", keyword)
	doc.AddFieldMappingsAt("domain", keyword)
	doc.AddFieldMappingsAt("session", keyword)
	doc.AddFieldMappingsAt("agent", keyword)
	doc.AddFieldMappingsAt("correlation_id", keyword)
	doc.AddFieldMappingsAt("source", keyword)
	doc.AddFieldMappingsAt("timestamp", date)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	m.DefaultAnalyzer = standard.Name
	return m
}

// IndexEvent records a governance event.
func (x *Index) IndexEvent(evt *events.GovernanceEvent) error {
	if evt == nil || evt.ID == "" {
		return errors.InvalidInput("event has no id")
	}

	doc := document{
		ID:            evt.ID,
		Kind:          KindEvent,
		Type:          evt.Type,
		Domain:        evt.Domain,
		CorrelationID: evt.CorrelationID,
		Source:        evt.Source,
		Text:          flattenPayload(evt.Type, evt.Payload),
		Timestamp:     evt.Timestamp,
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.idx.Index(doc.ID, doc); err != nil {
		x.indexErrors.Add(1)
		return errors.Internal(fmt.Sprintf("index event %s: %v", evt.ID, err))
	}
	x.indexed.Add(1)
	return nil
}

// IndexContribution records one agent's position in a decision session
// and returns the document id.
func (x *Index) IndexContribution(sessionID, agentID, position string) (string, error) {
	if sessionID == "" || agentID == "" {
		return "", errors.InvalidInput("contribution needs session and agent ids")
	}
	if strings.TrimSpace(position) == "" {
		return "", errors.InvalidInput("empty contribution")
	}

	doc := document{
		ID:        uuid.NewString(),
		Kind:      KindContribution,
		Session:   sessionID,
		Agent:     agentID,
		Text:      position,
		Timestamp: time.Now(),
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.idx.Index(doc.ID, doc); err != nil {
		x.indexErrors.Add(1)
		return "", errors.Internal(fmt.Sprintf("index contribution: %v", err))
	}
	x.indexed.Add(1)
	return doc.ID, nil
}

// Search runs a full-text query across all documents.
func (x *Index) Search(queryText string, limit int) ([]Hit, error) {
	return x.search(queryText, "", limit)
}

// SearchKind narrows a search to events or contributions.
func (x *Index) SearchKind(queryText, kind string, limit int) ([]Hit, error) {
	if kind != KindEvent && kind != KindContribution {
		return nil, errors.InvalidInput(fmt.Sprintf("unknown document kind %q", kind))
	}
	return x.search(queryText, kind, limit)
}

func (x *Index) search(queryText, kind string, limit int) ([]Hit, error) {
	if strings.TrimSpace(queryText) == "" {
		return nil, errors.InvalidInput("empty query")
	}
	if limit <= 0 {
		limit = 10
	}

	match := bleve.NewMatchQuery(queryText)
	match.SetField("text")

	req := bleve.NewSearchRequest(match)
	if kind != "" {
		kindQuery := bleve.NewTermQuery(kind)
		kindQuery.SetField("kind")
		combined := bleve.NewBooleanQuery()
		combined.AddMust(match, kindQuery)
		req = bleve.NewSearchRequest(combined)
	}
	req.Size = limit
	req.Fields = []string{"kind", "type", "session", "agent", "text"}

	x.mu.RLock()
	result, err := x.idx.Search(req)
	x.mu.RUnlock()
	if err != nil {
		return nil, errors.Internal(fmt.Sprintf("audit search: %v", err))
	}

	hits := make([]Hit, 0, len(result.Hits))
	for _, h := range result.Hits {
		hit := Hit{ID: h.ID, Score: h.Score}
		if v, ok := h.Fields["kind"].(string); ok {
			hit.Kind = v
		}
		if v, ok := h.Fields["type"].(string); ok {
			hit.Type = v
		}
		if v, ok := h.Fields["session"].(string); ok {
			hit.Session = v
		}
		if v, ok := h.Fields["agent"].(string); ok {
			hit.Agent = v
		}
		if v, ok := h.Fields["text"].(string); ok {
			hit.Text = v
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// Attach subscribes the index to every event the bus publishes. The
// returned subscription id detaches it via bus.Unsubscribe. Index
// failures are counted, never propagated into the delivery path.
func (x *Index) Attach(bus *events.Bus) (string, error) {
	return bus.SubscribeToPattern(events.PatternGlob, "*", func(evt *events.GovernanceEvent) {
		_ = x.IndexEvent(evt)
	})
}

// Stats returns index activity counters.
func (x *Index) Stats() Stats {
	return Stats{
		Indexed:     x.indexed.Load(),
		IndexErrors: x.indexErrors.Load(),
	}
}

// Close releases the underlying index.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.idx.Close()
}

// flattenPayload renders an event's payload as searchable text. Keys
// sort so the rendering is stable.
func flattenPayload(eventType string, payload map[string]interface{}) string {
	if len(payload) == 0 {
		return eventType
	}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(payload)+1)
	parts = append(parts, eventType)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s %v", k, payload[k]))
	}
	return strings.Join(parts, " ")
}
