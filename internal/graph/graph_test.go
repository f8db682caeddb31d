package graph

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuremedy/kuremedy/internal/models"
)

func openTestGraph(t *testing.T) *Graph {
	t.Helper()

	g, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func testIncident() *models.Incident {
	return &models.Incident{
		ID:          models.NewIncidentID(),
		Fingerprint: "fp-graph",
		Title:       "CrashLoop: checkout",
		Severity:    models.SeverityCritical,
		Status:      models.StatusInvestigating,
		Cluster:     "prod-eu-1",
		Namespace:   "shop",
		Service:     "checkout",
		StartedAt:   time.Now(),
	}
}

func TestUpsertEntityIdempotentOnKey(t *testing.T) {
	g := openTestGraph(t)

	id1, err := g.UpsertEntity("Pod", "c1", "shop", "checkout-1", map[string]interface{}{"phase": "Running"})
	require.NoError(t, err)
	id2, err := g.UpsertEntity("Pod", "c1", "shop", "checkout-1", map[string]interface{}{"phase": "CrashLoopBackOff"})
	require.NoError(t, err)

	assert.Equal(t, id1, id2)

	other, err := g.UpsertEntity("Pod", "c1", "shop", "checkout-2", nil)
	require.NoError(t, err)
	assert.NotEqual(t, id1, other)
}

func TestUpsertMergeScalarLastWriterWins(t *testing.T) {
	g := openTestGraph(t)
	inc := testIncident()

	id, err := g.UpsertEntity("Pod", inc.Cluster, "shop", "checkout-1", map[string]interface{}{"phase": "Running", "node": "n1"})
	require.NoError(t, err)
	_, err = g.UpsertEntity("Pod", inc.Cluster, "shop", "checkout-1", map[string]interface{}{"phase": "Failed"})
	require.NoError(t, err)

	require.NoError(t, g.LinkIncidentToEntity(inc, id, RelAffects, nil))
	_, err = g.UpsertIncident(inc)
	require.NoError(t, err)

	sub, err := g.Subgraph(inc, 1)
	require.NoError(t, err)

	pod := findNode(t, sub, "Pod", "checkout-1")
	assert.Equal(t, "Failed", pod.Attrs["phase"])
	assert.Equal(t, "n1", pod.Attrs["node"])
}

func TestUpsertMergeListsUnionCommutative(t *testing.T) {
	a := map[string]interface{}{"reasons": []interface{}{"CrashLoopBackOff"}, "restarts": float64(3)}
	b := map[string]interface{}{"reasons": []interface{}{"OOMKilled", "CrashLoopBackOff"}, "restarts": float64(5)}

	ab := mergeAttrs(mergeAttrs(nil, a), b)
	ba := mergeAttrs(mergeAttrs(nil, b), a)

	assert.ElementsMatch(t, ab["reasons"], ba["reasons"])
	assert.Len(t, ab["reasons"], 2)
}

func TestLinkIdempotent(t *testing.T) {
	g := openTestGraph(t)
	inc := testIncident()

	_, err := g.UpsertIncident(inc)
	require.NoError(t, err)
	podID, err := g.UpsertEntity("Pod", inc.Cluster, "shop", "checkout-1", nil)
	require.NoError(t, err)

	require.NoError(t, g.LinkIncidentToEntity(inc, podID, RelAffects, nil))
	require.NoError(t, g.LinkIncidentToEntity(inc, podID, RelAffects, map[string]interface{}{"weight": 1.0}))

	sub, err := g.Subgraph(inc, 1)
	require.NoError(t, err)
	assert.Len(t, sub.Edges, 1)
	assert.Equal(t, RelAffects, sub.Edges[0].Relation)
}

func TestAttachEvidenceRoundTrip(t *testing.T) {
	g := openTestGraph(t)
	inc := testIncident()

	_, err := g.UpsertIncident(inc)
	require.NoError(t, err)

	ev := models.Evidence{
		ID:              models.NewEvidenceID(),
		IncidentID:      inc.ID,
		Type:            models.EvidenceContainerState,
		Source:          models.SourceK8s,
		EntityName:      "checkout-7f9c4d-xk2lp",
		EntityNamespace: "shop",
		Data: models.EvidenceData{
			ContainerState: &models.ContainerStateData{
				Container:    "checkout",
				State:        "waiting",
				Reason:       "CrashLoopBackOff",
				RestartCount: 15,
			},
		},
		SignalStrength: 0.9,
		CollectedAt:    time.Now(),
	}
	require.NoError(t, g.AttachEvidence(inc, ev))

	sub, err := g.Subgraph(inc, 3)
	require.NoError(t, err)

	evNode := findNode(t, sub, "Evidence", ev.ID)
	assert.InDelta(t, 0.9, evNode.Attrs["signalStrength"].(float64), 1e-9)
	assert.Equal(t, string(models.EvidenceContainerState), evNode.Attrs["type"])

	raw, err := json.Marshal(evNode.Attrs["data"])
	require.NoError(t, err)
	var data models.EvidenceData
	require.NoError(t, json.Unmarshal(raw, &data))
	require.NotNil(t, data.ContainerState)
	assert.Equal(t, "CrashLoopBackOff", data.ContainerState.Reason)
	assert.Equal(t, int32(15), data.ContainerState.RestartCount)

	findNode(t, sub, "Pod", "checkout-7f9c4d-xk2lp")

	var hasEvidence, about bool
	for _, e := range sub.Edges {
		switch e.Relation {
		case RelHasEvidence:
			hasEvidence = true
		case RelAbout:
			about = true
		}
	}
	assert.True(t, hasEvidence)
	assert.True(t, about)
}

func TestAttachTopologyDerivesWorkloadEdges(t *testing.T) {
	g := openTestGraph(t)
	inc := testIncident()

	_, err := g.UpsertIncident(inc)
	require.NoError(t, err)

	evidence := []models.Evidence{
		{
			Type: models.EvidencePodState, EntityName: "checkout-7f9c4d-xk2lp", EntityNamespace: "shop",
			Data: models.EvidenceData{PodState: &models.PodStateData{
				Phase: "Running", RestartCount: 9, NodeName: "node-7",
				OwnerKind: "ReplicaSet", OwnerName: "checkout-7f9c4d",
			}},
		},
		{
			Type: models.EvidenceDeployHistory, EntityName: "checkout", EntityNamespace: "shop",
			Data: models.EvidenceData{DeployHistory: &models.DeployHistoryData{}},
		},
		{
			Type: models.EvidenceHPAState, EntityName: "checkout", EntityNamespace: "shop",
			Data: models.EvidenceData{HPAState: &models.HPAStateData{
				Name: "checkout", ScaleTargetKind: "Deployment", ScaleTargetName: "checkout",
			}},
		},
	}
	require.NoError(t, g.AttachTopology(inc, evidence))
	// A replayed attach must not duplicate anything.
	require.NoError(t, g.AttachTopology(inc, evidence))

	sub, err := g.Subgraph(inc, 3)
	require.NoError(t, err)

	incID := NodeID("Incident", inc.Cluster, inc.Namespace, inc.ID)
	depID := findNode(t, sub, "Deployment", "checkout").ID
	rsID := findNode(t, sub, "ReplicaSet", "checkout-7f9c4d").ID
	podID := findNode(t, sub, "Pod", "checkout-7f9c4d-xk2lp").ID
	nodeID := findNode(t, sub, "Node", "node-7").ID
	hpaID := findNode(t, sub, "HorizontalPodAutoscaler", "checkout").ID

	findEdge(t, sub, incID, depID, RelAffects)
	findEdge(t, sub, podID, rsID, RelPartOf)
	findEdge(t, sub, rsID, depID, RelPartOf)
	findEdge(t, sub, podID, nodeID, RelScheduledOn)
	findEdge(t, sub, depID, hpaID, RelScaledBy)

	counts := map[Relation]int{}
	for _, e := range sub.Edges {
		counts[e.Relation]++
	}
	assert.Equal(t, 1, counts[RelAffects], "pod chain and deploy history converge on one AFFECTS edge")
	assert.Equal(t, 2, counts[RelPartOf])
	assert.Equal(t, 1, counts[RelScheduledOn])
	assert.Equal(t, 1, counts[RelScaledBy])
}

func TestAttachTopologyDirectOwnerWithoutDeployHistory(t *testing.T) {
	g := openTestGraph(t)
	inc := testIncident()

	_, err := g.UpsertIncident(inc)
	require.NoError(t, err)

	evidence := []models.Evidence{{
		Type: models.EvidencePodState, EntityName: "kafka-0", EntityNamespace: "shop",
		Data: models.EvidenceData{PodState: &models.PodStateData{
			Phase: "Running", NodeName: "node-2",
			OwnerKind: "StatefulSet", OwnerName: "kafka",
		}},
	}}
	require.NoError(t, g.AttachTopology(inc, evidence))

	sub, err := g.Subgraph(inc, 3)
	require.NoError(t, err)

	incID := NodeID("Incident", inc.Cluster, inc.Namespace, inc.ID)
	ownerID := findNode(t, sub, "StatefulSet", "kafka").ID
	podID := findNode(t, sub, "Pod", "kafka-0").ID

	findEdge(t, sub, incID, ownerID, RelAffects)
	findEdge(t, sub, podID, ownerID, RelPartOf)
}

func TestSubgraphDepthBound(t *testing.T) {
	g := openTestGraph(t)
	inc := testIncident()

	incID, err := g.UpsertIncident(inc)
	require.NoError(t, err)

	// Chain: incident -> pod -> deployment -> hpa -> node (4 hops).
	podID, err := g.UpsertEntity("Pod", inc.Cluster, "shop", "p", nil)
	require.NoError(t, err)
	depID, err := g.UpsertEntity("Deployment", inc.Cluster, "shop", "d", nil)
	require.NoError(t, err)
	hpaID, err := g.UpsertEntity("HorizontalPodAutoscaler", inc.Cluster, "shop", "h", nil)
	require.NoError(t, err)
	nodeID, err := g.UpsertEntity("Node", inc.Cluster, "", "n", nil)
	require.NoError(t, err)

	require.NoError(t, g.Link(incID, podID, RelAffects, nil))
	require.NoError(t, g.Link(podID, depID, RelPartOf, nil))
	require.NoError(t, g.Link(depID, hpaID, RelScaledBy, nil))
	require.NoError(t, g.Link(hpaID, nodeID, RelScheduledOn, nil))

	sub, err := g.Subgraph(inc, 3)
	require.NoError(t, err)

	kinds := map[string]bool{}
	for _, n := range sub.Nodes {
		kinds[n.Kind] = true
	}
	assert.True(t, kinds["Pod"])
	assert.True(t, kinds["Deployment"])
	assert.True(t, kinds["HorizontalPodAutoscaler"])
	assert.False(t, kinds["Node"], "node at depth 4 must not be visited")

	// Requesting more than MaxDepth clamps to MaxDepth.
	sub, err = g.Subgraph(inc, 10)
	require.NoError(t, err)
	kinds = map[string]bool{}
	for _, n := range sub.Nodes {
		kinds[n.Kind] = true
	}
	assert.False(t, kinds["Node"])
}

func findEdge(t *testing.T, sub *Subgraph, src, dst string, rel Relation) {
	t.Helper()

	for _, e := range sub.Edges {
		if e.Src == src && e.Dst == dst && e.Relation == rel {
			return
		}
	}
	t.Fatalf("edge %s -[%s]-> %s not in subgraph", src, rel, dst)
}

func findNode(t *testing.T, sub *Subgraph, kind, name string) Node {
	t.Helper()

	for _, n := range sub.Nodes {
		if n.Kind == kind && n.Name == name {
			return n
		}
	}
	t.Fatalf("node %s/%s not in subgraph", kind, name)
	return Node{}
}
