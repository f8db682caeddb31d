package collect

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/kuremedy/kuremedy/internal/models"
)

const defaultDeployLookback = 30 * time.Minute

// revisionAnnotation is stamped by the deployment controller on the
// Deployment and every ReplicaSet it owns.
const revisionAnnotation = "deployment.kubernetes.io/revision"

// DeployCollector reconstructs recent rollout history from the ReplicaSets
// behind each matching Deployment. A deploy landing shortly before the
// incident window is the strongest single signal the pipeline knows about.
type DeployCollector struct {
	client   kubernetes.Interface
	lookback time.Duration
	now      func() time.Time
}

func NewDeployCollector(client kubernetes.Interface, lookback time.Duration) *DeployCollector {
	if lookback <= 0 {
		lookback = defaultDeployLookback
	}
	return &DeployCollector{client: client, lookback: lookback, now: time.Now}
}

func (c *DeployCollector) Name() string { return "deploy" }

func (c *DeployCollector) Collect(ctx context.Context, cc CollectionContext, window models.TimeWindow) ([]models.Evidence, error) {
	deployments, err := c.client.AppsV1().Deployments(cc.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	replicaSets, err := c.client.AppsV1().ReplicaSets(cc.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list replicasets: %w", err)
	}

	revisions := groupRevisions(replicaSets.Items)

	var out []models.Evidence
	for i := range deployments.Items {
		dep := &deployments.Items[i]
		if cc.Service != "" && !strings.Contains(dep.Name, cc.Service) {
			continue
		}
		data := c.rolloutHistory(dep, revisions[dep.Name])
		out = append(out, newEvidence(cc, window,
			models.EvidenceDeployHistory, models.SourceDeploy,
			dep.Name, cc.Namespace,
			models.EvidenceData{DeployHistory: &data},
			c.deploySignalStrength(data)))
	}
	sortEvidence(out)
	return out, nil
}

type revisionInfo struct {
	revision  int64
	images    []string
	hash      string
	createdAt time.Time
}

// groupRevisions indexes ReplicaSets by owning Deployment, newest revision
// first.
func groupRevisions(items []appsv1.ReplicaSet) map[string][]revisionInfo {
	grouped := make(map[string][]revisionInfo)
	for i := range items {
		rs := &items[i]
		owner := ""
		for _, ref := range rs.OwnerReferences {
			if ref.Kind == "Deployment" {
				owner = ref.Name
				break
			}
		}
		if owner == "" {
			continue
		}
		rev, _ := strconv.ParseInt(rs.Annotations[revisionAnnotation], 10, 64)
		var images []string
		for _, ctr := range rs.Spec.Template.Spec.Containers {
			images = append(images, ctr.Image)
		}
		grouped[owner] = append(grouped[owner], revisionInfo{
			revision:  rev,
			images:    images,
			hash:      rs.Labels["pod-template-hash"],
			createdAt: rs.CreationTimestamp.Time,
		})
	}
	for _, revs := range grouped {
		sort.Slice(revs, func(i, j int) bool { return revs[i].revision > revs[j].revision })
	}
	return grouped
}

func (c *DeployCollector) rolloutHistory(dep *appsv1.Deployment, revs []revisionInfo) models.DeployHistoryData {
	desired := int32(0)
	if dep.Spec.Replicas != nil {
		desired = *dep.Spec.Replicas
	}
	data := models.DeployHistoryData{
		Deployment:      dep.Name,
		DeployedAt:      dep.CreationTimestamp.Time,
		DesiredReplicas: desired,
		ReadyReplicas:   dep.Status.ReadyReplicas,
		RolloutInProgress: dep.Generation != dep.Status.ObservedGeneration ||
			(desired > 0 && dep.Status.UpdatedReplicas < desired),
	}
	data.CurrentRevision, _ = strconv.ParseInt(dep.Annotations[revisionAnnotation], 10, 64)

	if len(revs) > 0 {
		current := revs[0]
		data.CurrentRevision = current.revision
		data.DeployedAt = current.createdAt
		data.CurrentImage = strings.Join(current.images, ",")
		if len(revs) > 1 {
			prior := revs[1]
			data.PriorRevision = prior.revision
			data.PriorImage = strings.Join(prior.images, ",")
			data.ImageChanged = !slices.Equal(current.images, prior.images)
			data.TemplateChanged = current.hash != "" && prior.hash != "" && current.hash != prior.hash
		}
	}
	if !data.DeployedAt.IsZero() {
		data.RecentDeploy = c.now().Sub(data.DeployedAt) <= c.lookback
	}
	return data
}

func (c *DeployCollector) deploySignalStrength(data models.DeployHistoryData) float64 {
	switch {
	case data.RecentDeploy && c.now().Sub(data.DeployedAt) < defaultDeployLookback:
		return 0.95
	case data.RecentDeploy:
		return 0.85
	case data.RolloutInProgress:
		return 0.7
	case data.PriorRevision > 0:
		return 0.5
	}
	return 0.3
}
