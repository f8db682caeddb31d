package graph

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/kuremedy/kuremedy/internal/models"
)

// Relation labels an edge in the evidence graph.
type Relation string

const (
	RelAffects     Relation = "AFFECTS"
	RelPartOf      Relation = "PART_OF"
	RelScheduledOn Relation = "SCHEDULED_ON"
	RelScaledBy    Relation = "SCALED_BY"
	RelHasEvidence Relation = "HAS_EVIDENCE"
	RelAbout       Relation = "ABOUT"
)

// Node is one typed vertex. Nodes are keyed by (cluster, namespace, kind,
// name); the ID is derived from that key, so upserts of the same entity
// always land on the same node.
type Node struct {
	ID        string                 `json:"id"`
	Cluster   string                 `json:"cluster"`
	Namespace string                 `json:"namespace"`
	Kind      string                 `json:"kind"`
	Name      string                 `json:"name"`
	Attrs     map[string]interface{} `json:"attrs,omitempty"`
}

// Edge is one directed relation between two nodes, idempotent on
// (src, dst, relation).
type Edge struct {
	Src      string                 `json:"src"`
	Dst      string                 `json:"dst"`
	Relation Relation               `json:"relation"`
	Props    map[string]interface{} `json:"props,omitempty"`
}

// Subgraph is the result of a bounded traversal from an incident node.
type Subgraph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// MaxDepth bounds subgraph traversal.
const MaxDepth = 3

// NodeID derives the stable node identity for an entity key.
func NodeID(kind, cluster, namespace, name string) string {
	return fmt.Sprintf("%s:%s:%s:%s", kind, cluster, namespace, name)
}

// Graph is the SQLite-backed evidence graph store. Adjacency lives in the
// edges table rather than in object references, so near-cycles are harmless.
type Graph struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates or opens the graph database under dataDir.
func Open(dataDir string) (*Graph, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "graph.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open graph database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	g := &Graph{db: db}
	if err := g.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize graph schema: %w", err)
	}

	log.Info().Str("dbPath", dbPath).Msg("Evidence graph store initialized")
	return g, nil
}

func (g *Graph) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS graph_nodes (
		id TEXT PRIMARY KEY,
		cluster TEXT NOT NULL,
		namespace TEXT NOT NULL,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		attrs TEXT,
		updated_at INTEGER NOT NULL,
		UNIQUE (cluster, namespace, kind, name)
	);

	CREATE INDEX IF NOT EXISTS idx_graph_nodes_kind ON graph_nodes(kind);

	CREATE TABLE IF NOT EXISTS graph_edges (
		src TEXT NOT NULL,
		dst TEXT NOT NULL,
		relation TEXT NOT NULL,
		props TEXT,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (src, dst, relation)
	);

	CREATE INDEX IF NOT EXISTS idx_graph_edges_src ON graph_edges(src);
	CREATE INDEX IF NOT EXISTS idx_graph_edges_dst ON graph_edges(dst);
	`
	if _, err := g.db.Exec(schema); err != nil {
		return fmt.Errorf("create graph schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (g *Graph) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.db == nil {
		return nil
	}
	err := g.db.Close()
	g.db = nil
	return err
}

// UpsertEntity inserts or merges a node for the entity key and returns its
// ID. Merging is commutative: list-valued attributes union, scalar
// attributes take the last writer.
func (g *Graph) UpsertEntity(kind, cluster, namespace, name string, attrs map[string]interface{}) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.upsertLocked(kind, cluster, namespace, name, attrs)
}

func (g *Graph) upsertLocked(kind, cluster, namespace, name string, attrs map[string]interface{}) (string, error) {
	id := NodeID(kind, cluster, namespace, name)

	tx, err := g.db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	var existing sql.NullString
	err = tx.QueryRow(`SELECT attrs FROM graph_nodes WHERE id = ?`, id).Scan(&existing)
	if err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("read node attrs: %w", err)
	}

	merged := attrs
	if existing.Valid && existing.String != "" {
		var prior map[string]interface{}
		if err := json.Unmarshal([]byte(existing.String), &prior); err != nil {
			return "", fmt.Errorf("unmarshal node attrs: %w", err)
		}
		merged = mergeAttrs(prior, attrs)
	}

	encoded, err := marshalAttrs(merged)
	if err != nil {
		return "", err
	}

	_, err = tx.Exec(`
		INSERT INTO graph_nodes (id, cluster, namespace, kind, name, attrs, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET attrs = excluded.attrs, updated_at = excluded.updated_at`,
		id, cluster, namespace, kind, name, encoded, time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("upsert node: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit upsert: %w", err)
	}
	return id, nil
}

// mergeAttrs merges b into a. Lists union (preserving first-seen order),
// scalars take b's value.
func mergeAttrs(a, b map[string]interface{}) map[string]interface{} {
	if a == nil {
		return b
	}
	out := make(map[string]interface{}, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		prevList, prevOK := toList(out[k])
		nextList, nextOK := toList(v)
		if prevOK && nextOK {
			out[k] = unionLists(prevList, nextList)
			continue
		}
		out[k] = v
	}
	return out
}

func toList(v interface{}) ([]interface{}, bool) {
	switch list := v.(type) {
	case []interface{}:
		return list, true
	case []string:
		out := make([]interface{}, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func unionLists(a, b []interface{}) []interface{} {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]interface{}, 0, len(a)+len(b))
	for _, v := range append(append([]interface{}{}, a...), b...) {
		key := fmt.Sprintf("%v", v)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	return out
}

func marshalAttrs(attrs map[string]interface{}) (string, error) {
	if len(attrs) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("marshal node attrs: %w", err)
	}
	return string(raw), nil
}

// UpsertIncident materializes the incident itself as a graph node.
func (g *Graph) UpsertIncident(inc *models.Incident) (string, error) {
	return g.UpsertEntity("Incident", inc.Cluster, inc.Namespace, inc.ID, map[string]interface{}{
		"title":    inc.Title,
		"severity": string(inc.Severity),
		"service":  inc.Service,
	})
}

// Link records a directed relation between two existing nodes. Replaying the
// same (src, dst, relation) is a no-op apart from a props refresh.
func (g *Graph) Link(srcID, dstID string, relation Relation, props map[string]interface{}) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.linkLocked(srcID, dstID, relation, props)
}

func (g *Graph) linkLocked(srcID, dstID string, relation Relation, props map[string]interface{}) error {
	encoded, err := marshalAttrs(props)
	if err != nil {
		return err
	}

	_, err = g.db.Exec(`
		INSERT INTO graph_edges (src, dst, relation, props, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(src, dst, relation) DO UPDATE SET props = CASE WHEN excluded.props != '' THEN excluded.props ELSE graph_edges.props END`,
		srcID, dstID, string(relation), encoded, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("upsert edge: %w", err)
	}
	return nil
}

// LinkIncidentToEntity links the incident node to an entity node.
func (g *Graph) LinkIncidentToEntity(inc *models.Incident, entityID string, relation Relation, props map[string]interface{}) error {
	return g.Link(NodeID("Incident", inc.Cluster, inc.Namespace, inc.ID), entityID, relation, props)
}

// evidenceEntityKind maps an evidence type to the kind of entity the
// evidence is about.
func evidenceEntityKind(t models.EvidenceType) string {
	switch t {
	case models.EvidencePodState, models.EvidenceContainerState:
		return "Pod"
	case models.EvidenceDeployHistory:
		return "Deployment"
	case models.EvidenceNodeState:
		return "Node"
	case models.EvidenceHPAState:
		return "HorizontalPodAutoscaler"
	case models.EvidenceEvents:
		return "Namespace"
	default:
		return "Service"
	}
}

// AttachEvidence appends an evidence node, a HAS_EVIDENCE edge from the
// incident, and an ABOUT edge to the entity the evidence concerns. The full
// payload and signal strength ride on the evidence node so a subgraph read
// returns them unchanged.
func (g *Graph) AttachEvidence(inc *models.Incident, ev models.Evidence) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal evidence data: %w", err)
	}

	evidenceID, err := g.upsertLocked("Evidence", inc.Cluster, ev.EntityNamespace, ev.ID, map[string]interface{}{
		"type":           string(ev.Type),
		"source":         string(ev.Source),
		"signalStrength": ev.SignalStrength,
		"data":           json.RawMessage(data),
		"partial":        ev.Partial,
	})
	if err != nil {
		return err
	}

	entityNamespace := ev.EntityNamespace
	entityKind := evidenceEntityKind(ev.Type)
	if entityKind == "Node" {
		entityNamespace = ""
	}
	entityID, err := g.upsertLocked(entityKind, inc.Cluster, entityNamespace, ev.EntityName, nil)
	if err != nil {
		return err
	}

	incidentID := NodeID("Incident", inc.Cluster, inc.Namespace, inc.ID)
	if err := g.linkLocked(incidentID, evidenceID, RelHasEvidence, nil); err != nil {
		return err
	}
	return g.linkLocked(evidenceID, entityID, RelAbout, nil)
}

// AttachTopology derives cluster topology edges from collected evidence:
// the incident AFFECTS the workload it concerns, pods are PART_OF their
// controller, replica sets are PART_OF the deployment that owns them, pods
// are SCHEDULED_ON their node, and scaled workloads are SCALED_BY their
// autoscaler. Every write is an upsert, so replays converge.
func (g *Graph) AttachTopology(inc *models.Incident, evidence []models.Evidence) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	incidentID := NodeID("Incident", inc.Cluster, inc.Namespace, inc.ID)

	var deployments []string
	for _, ev := range evidence {
		if ev.Type != models.EvidenceDeployHistory {
			continue
		}
		depID, err := g.upsertLocked("Deployment", inc.Cluster, ev.EntityNamespace, ev.EntityName, nil)
		if err != nil {
			return err
		}
		if err := g.linkLocked(incidentID, depID, RelAffects, nil); err != nil {
			return err
		}
		deployments = append(deployments, ev.EntityName)
	}

	for _, ev := range evidence {
		switch {
		case ev.Type == models.EvidencePodState && ev.Data.PodState != nil:
			if err := g.attachPodTopology(inc, incidentID, ev, deployments); err != nil {
				return err
			}
		case ev.Type == models.EvidenceHPAState && ev.Data.HPAState != nil:
			hpa := ev.Data.HPAState
			if hpa.ScaleTargetName == "" {
				continue
			}
			hpaID, err := g.upsertLocked("HorizontalPodAutoscaler", inc.Cluster, ev.EntityNamespace, ev.EntityName, nil)
			if err != nil {
				return err
			}
			kind := hpa.ScaleTargetKind
			if kind == "" {
				kind = "Deployment"
			}
			targetID, err := g.upsertLocked(kind, inc.Cluster, ev.EntityNamespace, hpa.ScaleTargetName, nil)
			if err != nil {
				return err
			}
			if err := g.linkLocked(targetID, hpaID, RelScaledBy, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *Graph) attachPodTopology(inc *models.Incident, incidentID string, ev models.Evidence, deployments []string) error {
	state := ev.Data.PodState
	podID, err := g.upsertLocked("Pod", inc.Cluster, ev.EntityNamespace, ev.EntityName, nil)
	if err != nil {
		return err
	}

	if state.NodeName != "" {
		nodeID, err := g.upsertLocked("Node", inc.Cluster, "", state.NodeName, nil)
		if err != nil {
			return err
		}
		if err := g.linkLocked(podID, nodeID, RelScheduledOn, nil); err != nil {
			return err
		}
	}

	if state.OwnerKind == "" {
		return nil
	}
	ownerID, err := g.upsertLocked(state.OwnerKind, inc.Cluster, ev.EntityNamespace, state.OwnerName, nil)
	if err != nil {
		return err
	}
	if err := g.linkLocked(podID, ownerID, RelPartOf, nil); err != nil {
		return err
	}

	// Deployment pods are owned through an intermediate replica set; fold it
	// into the deployment the deploy collector saw, so the incident's AFFECTS
	// edge lands on the workload an operator would act on.
	workloadID := ownerID
	if state.OwnerKind == "ReplicaSet" {
		if dep := owningDeployment(state.OwnerName, deployments); dep != "" {
			depID := NodeID("Deployment", inc.Cluster, ev.EntityNamespace, dep)
			if err := g.linkLocked(ownerID, depID, RelPartOf, nil); err != nil {
				return err
			}
			workloadID = depID
		}
	}
	return g.linkLocked(incidentID, workloadID, RelAffects, nil)
}

// owningDeployment resolves a replica set back to its deployment by the
// name-dash-hash convention, limited to deployments the collectors saw.
func owningDeployment(replicaSet string, deployments []string) string {
	for _, dep := range deployments {
		if strings.HasPrefix(replicaSet, dep+"-") {
			return dep
		}
	}
	return ""
}

// Subgraph walks outward from the incident node up to depth hops, following
// edges in both directions, and returns the visited nodes and edges. Depth
// is clamped to MaxDepth.
func (g *Graph) Subgraph(inc *models.Incident, depth int) (*Subgraph, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if depth <= 0 || depth > MaxDepth {
		depth = MaxDepth
	}

	root := NodeID("Incident", inc.Cluster, inc.Namespace, inc.ID)
	visited := map[string]bool{root: true}
	frontier := []string{root}
	edgeSeen := map[string]bool{}
	var edges []Edge

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []string
		for _, id := range frontier {
			neighbors, touched, err := g.neighborsLocked(id)
			if err != nil {
				return nil, err
			}
			for _, e := range touched {
				key := e.Src + "|" + e.Dst + "|" + string(e.Relation)
				if !edgeSeen[key] {
					edgeSeen[key] = true
					edges = append(edges, e)
				}
			}
			for _, n := range neighbors {
				if !visited[n] {
					visited[n] = true
					next = append(next, n)
				}
			}
		}
		frontier = next
	}

	nodes, err := g.nodesLocked(visited)
	if err != nil {
		return nil, err
	}
	return &Subgraph{Nodes: nodes, Edges: edges}, nil
}

func (g *Graph) neighborsLocked(id string) ([]string, []Edge, error) {
	rows, err := g.db.Query(`
		SELECT src, dst, relation, props FROM graph_edges WHERE src = ? OR dst = ?`, id, id)
	if err != nil {
		return nil, nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()

	var neighbors []string
	var edges []Edge
	for rows.Next() {
		var e Edge
		var relation string
		var props sql.NullString
		if err := rows.Scan(&e.Src, &e.Dst, &relation, &props); err != nil {
			return nil, nil, fmt.Errorf("scan edge: %w", err)
		}
		e.Relation = Relation(relation)
		if props.Valid && props.String != "" {
			if err := json.Unmarshal([]byte(props.String), &e.Props); err != nil {
				return nil, nil, fmt.Errorf("unmarshal edge props: %w", err)
			}
		}
		edges = append(edges, e)
		if e.Src == id {
			neighbors = append(neighbors, e.Dst)
		} else {
			neighbors = append(neighbors, e.Src)
		}
	}
	return neighbors, edges, rows.Err()
}

func (g *Graph) nodesLocked(ids map[string]bool) ([]Node, error) {
	nodes := make([]Node, 0, len(ids))
	for id := range ids {
		var n Node
		var attrs sql.NullString
		err := g.db.QueryRow(`
			SELECT id, cluster, namespace, kind, name, attrs FROM graph_nodes WHERE id = ?`, id).
			Scan(&n.ID, &n.Cluster, &n.Namespace, &n.Kind, &n.Name, &attrs)
		if err == sql.ErrNoRows {
			// Edge endpoint without a materialized node; skip.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read node: %w", err)
		}
		if attrs.Valid && attrs.String != "" {
			if err := json.Unmarshal([]byte(attrs.String), &n.Attrs); err != nil {
				return nil, fmt.Errorf("unmarshal node attrs: %w", err)
			}
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}
