package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// Neo4jStore is a NodeStore backed by Neo4j. Each node is a :KnowledgeNode
// whose properties are replaced wholesale on commit, so a commit is a single
// atomic statement.
type Neo4jStore struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewNeo4jStore creates a new Neo4j node store.
func NewNeo4jStore(uri, user, password string, logger *zap.Logger) (*Neo4jStore, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Neo4jStore{driver: driver, logger: logger}, nil
}

// Close shuts down the Neo4j driver.
func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// Ping verifies the Neo4j connection.
func (s *Neo4jStore) Ping(ctx context.Context) error {
	return s.driver.VerifyConnectivity(ctx)
}

// EnsureSchema creates the uniqueness constraint on node ids.
func (s *Neo4jStore) EnsureSchema(ctx context.Context) error {
	_, err := s.run(ctx, neo4j.AccessModeWrite,
		`CREATE CONSTRAINT knowledge_node_id IF NOT EXISTS
		 FOR (n:KnowledgeNode) REQUIRE n.id IS UNIQUE`, nil)
	return err
}

// GetActiveNodes returns every stored node ordered by creation time.
func (s *Neo4jStore) GetActiveNodes(ctx context.Context) ([]*KnowledgeNode, error) {
	rows, err := s.run(ctx, neo4j.AccessModeRead,
		`MATCH (n:KnowledgeNode)
		 RETURN properties(n) AS props
		 ORDER BY n.created_at, n.id`, nil)
	if err != nil {
		return nil, err
	}

	nodes, bad := decodeNodes(rows)
	for _, err := range bad {
		s.logger.Warn("skipping malformed knowledge node", zap.Error(err))
	}
	s.logger.Debug("loaded knowledge nodes", zap.Int("count", len(nodes)), zap.Int("malformed", len(bad)))
	return nodes, nil
}

// decodeNodes converts rows into nodes. A malformed row is reported and left
// out so one corrupt node cannot fail a whole scan.
func decodeNodes(rows []*neo4j.Record) ([]*KnowledgeNode, []error) {
	nodes := make([]*KnowledgeNode, 0, len(rows))
	var bad []error
	for _, rec := range rows {
		n, err := nodeFromRecord(rec)
		if err != nil {
			bad = append(bad, err)
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes, bad
}

// GetNode returns a single node.
func (s *Neo4jStore) GetNode(ctx context.Context, id string) (*KnowledgeNode, error) {
	rows, err := s.run(ctx, neo4j.AccessModeRead,
		`MATCH (n:KnowledgeNode {id: $id}) RETURN properties(n) AS props`,
		map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("get node %s: %w", id, ErrNotFound)
	}
	return nodeFromRecord(rows[0])
}

// CreateNode inserts a new node.
func (s *Neo4jStore) CreateNode(ctx context.Context, n *KnowledgeNode) error {
	if err := n.Validate(); err != nil {
		return err
	}
	props, err := nodeProps(n)
	if err != nil {
		return err
	}
	_, err = s.run(ctx, neo4j.AccessModeWrite,
		`CREATE (n:KnowledgeNode) SET n = $props`,
		map[string]any{"props": props})
	return err
}

// CommitNode replaces the properties of an existing node.
func (s *Neo4jStore) CommitNode(ctx context.Context, n *KnowledgeNode) error {
	if err := n.Validate(); err != nil {
		return err
	}
	props, err := nodeProps(n)
	if err != nil {
		return err
	}
	rows, err := s.run(ctx, neo4j.AccessModeWrite,
		`MATCH (n:KnowledgeNode {id: $id})
		 SET n = $props
		 RETURN n.id AS id`,
		map[string]any{"id": n.ID, "props": props})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("commit node %s: %w", n.ID, ErrNotFound)
	}
	return nil
}

// PersistInsight creates the insight node, a CONNECTED link between the pair
// and DERIVED_FROM edges from the insight to both ends.
func (s *Neo4jStore) PersistInsight(ctx context.Context, insight *KnowledgeNode, rel Relation) error {
	if err := insight.Validate(); err != nil {
		return err
	}
	props, err := nodeProps(insight)
	if err != nil {
		return err
	}
	rows, err := s.run(ctx, neo4j.AccessModeWrite,
		`MATCH (a:KnowledgeNode {id: $from}), (b:KnowledgeNode {id: $to})
		 CREATE (i:KnowledgeNode)
		 SET i = $props
		 MERGE (a)-[r:CONNECTED]-(b)
		 SET r.kind = $kind, r.strength = $strength, r.cycle_id = $cycleId
		 CREATE (i)-[:DERIVED_FROM]->(a), (i)-[:DERIVED_FROM]->(b)
		 RETURN i.id AS id`,
		map[string]any{
			"from":     rel.From,
			"to":       rel.To,
			"props":    props,
			"kind":     rel.Kind,
			"strength": rel.Strength,
			"cycleId":  rel.CycleID,
		})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("persist insight %s: %w: supporting nodes missing", insight.ID, ErrNotFound)
	}

	s.logger.Debug("persisted insight",
		zap.String("insight", insight.ID),
		zap.String("from", rel.From),
		zap.String("to", rel.To),
		zap.String("kind", rel.Kind))
	return nil
}

// DeleteNodes detaches and deletes the given nodes.
func (s *Neo4jStore) DeleteNodes(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.run(ctx, neo4j.AccessModeWrite,
		`MATCH (n:KnowledgeNode) WHERE n.id IN $ids DETACH DELETE n`,
		map[string]any{"ids": ids})
	if err != nil {
		return err
	}
	s.logger.Info("deleted knowledge nodes", zap.Int("count", len(ids)))
	return nil
}

// HasLink reports whether a CONNECTED relationship exists between a and b.
func (s *Neo4jStore) HasLink(ctx context.Context, a, b string) (bool, error) {
	rows, err := s.run(ctx, neo4j.AccessModeRead,
		`MATCH (:KnowledgeNode {id: $a})-[r:CONNECTED]-(:KnowledgeNode {id: $b})
		 RETURN count(r) AS links`,
		map[string]any{"a": a, "b": b})
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}
	v, _ := rows[0].Get("links")
	count, _ := v.(int64)
	return count > 0, nil
}

// run executes a statement and collects its records. Connectivity failures
// are reported as ErrStoreUnavailable, everything else as ErrStorage.
func (s *Neo4jStore) run(ctx context.Context, mode neo4j.AccessMode, query string, params map[string]any) ([]*neo4j.Record, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode})
	defer session.Close(ctx)

	result, err := session.Run(ctx, query, params)
	if err != nil {
		return nil, classifyNeo4j(err)
	}
	var rows []*neo4j.Record
	for result.Next(ctx) {
		rows = append(rows, result.Record())
	}
	if err := result.Err(); err != nil {
		return nil, classifyNeo4j(err)
	}
	return rows, nil
}

func classifyNeo4j(err error) error {
	if neo4j.IsConnectivityError(err) {
		return fmt.Errorf("%w: neo4j: %v", ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%w: neo4j: %v", ErrStorage, err)
}

// nodeProps flattens a node into Neo4j properties. Times are unix millis;
// nested collections are JSON strings.
func nodeProps(n *KnowledgeNode) (map[string]any, error) {
	history, err := json.Marshal(n.Schedule.History)
	if err != nil {
		return nil, fmt.Errorf("marshal history %s: %w", n.ID, err)
	}
	tags := n.Tags
	if tags == nil {
		tags = []string{}
	}
	return map[string]any{
		"id":                   n.ID,
		"content":              n.Content,
		"kind":                 string(n.Kind),
		"tags":                 tags,
		"created_at":           millis(n.CreatedAt),
		"embedding_ref":        n.EmbeddingRef,
		"storage":              n.Strength.Storage,
		"retrieval":            n.Strength.Retrieval,
		"stability":            n.Schedule.Stability,
		"difficulty":           n.Schedule.Difficulty,
		"retrievability":       n.Schedule.Retrievability,
		"due_at":               millis(n.Schedule.DueAt),
		"last_review_at":       millis(n.Schedule.LastReviewAt),
		"last_replay_at":       millis(n.Schedule.LastReplayAt),
		"reps":                 n.Schedule.Reps,
		"lapses":               n.Schedule.Lapses,
		"history":              string(history),
		"valid_from":           optMillis(n.Validity.ValidFrom),
		"valid_to":             optMillis(n.Validity.ValidTo),
		"recorded_at":          millis(n.Validity.RecordedAt),
		"state":                string(n.State),
		"state_changed_at":     millis(n.StateChangedAt),
		"state_entry_strength": n.StateEntryStrength,
		"suppressed_from":      string(n.SuppressedFrom),
		"suppressed_until":     optMillis(n.SuppressedUntil),
		"emotion_category":     string(n.Emotion.Category),
		"emotion_intensity":    n.Emotion.Intensity,
		"importance":           n.Importance,
		"pinned":               n.Pinned,
		"access_count":         n.AccessCount,
		"last_accessed_at":     millis(n.LastAccessedAt),
		"last_decay_at":        millis(n.LastDecayAt),
	}, nil
}

func nodeFromRecord(rec *neo4j.Record) (*KnowledgeNode, error) {
	raw, ok := rec.Get("props")
	if !ok {
		return nil, fmt.Errorf("%w: record without props", ErrStorage)
	}
	p, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected props type %T", ErrStorage, raw)
	}

	n := &KnowledgeNode{
		ID:           str(p, "id"),
		Content:      str(p, "content"),
		Kind:         NodeKind(str(p, "kind")),
		CreatedAt:    fromMillis(integer(p, "created_at")),
		EmbeddingRef: str(p, "embedding_ref"),
		Strength: DualStrength{
			Storage:   float(p, "storage"),
			Retrieval: float(p, "retrieval"),
		},
		Schedule: ScheduleState{
			Stability:      float(p, "stability"),
			Difficulty:     float(p, "difficulty"),
			Retrievability: float(p, "retrievability"),
			DueAt:          fromMillis(integer(p, "due_at")),
			LastReviewAt:   fromMillis(integer(p, "last_review_at")),
			LastReplayAt:   fromMillis(integer(p, "last_replay_at")),
			Reps:           int(integer(p, "reps")),
			Lapses:         int(integer(p, "lapses")),
		},
		Validity: TemporalValidity{
			ValidFrom:  optFromMillis(p, "valid_from"),
			ValidTo:    optFromMillis(p, "valid_to"),
			RecordedAt: fromMillis(integer(p, "recorded_at")),
		},
		State:              MemoryState(str(p, "state")),
		StateChangedAt:     fromMillis(integer(p, "state_changed_at")),
		StateEntryStrength: float(p, "state_entry_strength"),
		SuppressedFrom:     MemoryState(str(p, "suppressed_from")),
		SuppressedUntil:    optFromMillis(p, "suppressed_until"),
		Emotion: Emotion{
			Category:  EmotionCategory(str(p, "emotion_category")),
			Intensity: float(p, "emotion_intensity"),
		},
		Importance:     float(p, "importance"),
		AccessCount:    int(integer(p, "access_count")),
		LastAccessedAt: fromMillis(integer(p, "last_accessed_at")),
		LastDecayAt:    fromMillis(integer(p, "last_decay_at")),
	}
	if v, ok := p["pinned"].(bool); ok {
		n.Pinned = v
	}
	if raw, ok := p["tags"].([]any); ok {
		for _, t := range raw {
			if s, ok := t.(string); ok {
				n.Tags = append(n.Tags, s)
			}
		}
	}
	if n.ID == "" {
		return nil, fmt.Errorf("%w: stored node without id", ErrValidation)
	}
	if h := str(p, "history"); h != "" && h != "null" {
		if err := json.Unmarshal([]byte(h), &n.Schedule.History); err != nil {
			return nil, &NodeError{NodeID: n.ID, Op: "decode history", Err: fmt.Errorf("%w: %v", ErrValidation, err)}
		}
	}
	return n, nil
}

func str(p map[string]any, key string) string {
	v, _ := p[key].(string)
	return v
}

func float(p map[string]any, key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

func integer(p map[string]any, key string) int64 {
	switch v := p[key].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func optMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func optFromMillis(p map[string]any, key string) *time.Time {
	v, ok := p[key].(int64)
	if !ok {
		return nil
	}
	t := time.UnixMilli(v).UTC()
	return &t
}
