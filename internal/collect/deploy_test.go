package collect

import (
	"context"
	"testing"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/kuremedy/kuremedy/internal/models"
)

func testDeployment(name, revision string, replicas int32) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:              name,
			Namespace:         "shop",
			Generation:        2,
			Annotations:       map[string]string{revisionAnnotation: revision},
			CreationTimestamp: metav1.NewTime(time.Now().Add(-90 * 24 * time.Hour)),
		},
		Spec: appsv1.DeploymentSpec{Replicas: &replicas},
		Status: appsv1.DeploymentStatus{
			ObservedGeneration: 2,
			ReadyReplicas:      replicas,
			UpdatedReplicas:    replicas,
		},
	}
}

func testReplicaSet(name, owner, revision, hash, image string, age time.Duration) *appsv1.ReplicaSet {
	return &appsv1.ReplicaSet{
		ObjectMeta: metav1.ObjectMeta{
			Name:              name,
			Namespace:         "shop",
			Annotations:       map[string]string{revisionAnnotation: revision},
			Labels:            map[string]string{"pod-template-hash": hash},
			CreationTimestamp: metav1.NewTime(time.Now().Add(-age)),
			OwnerReferences:   []metav1.OwnerReference{{Kind: "Deployment", Name: owner}},
		},
		Spec: appsv1.ReplicaSetSpec{
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{Name: "app", Image: image}},
				},
			},
		},
	}
}

func TestDeployCollectorRecentRollout(t *testing.T) {
	client := fake.NewSimpleClientset(
		testDeployment("payments", "4", 3),
		testReplicaSet("payments-6f7", "payments", "4", "6f7", "registry.local/payments:v2", 10*time.Minute),
		testReplicaSet("payments-5d4", "payments", "3", "5d4", "registry.local/payments:v1", 2*time.Hour),
	)
	collector := NewDeployCollector(client, 30*time.Minute)

	evs, err := collector.Collect(context.Background(), testContext(), liveWindow())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("expected 1 deploy_history record, got %d", len(evs))
	}

	ev := evs[0]
	if ev.Type != models.EvidenceDeployHistory || ev.Source != models.SourceDeploy {
		t.Errorf("unexpected envelope: type=%s source=%s", ev.Type, ev.Source)
	}
	if ev.SignalStrength != 0.95 {
		t.Errorf("strength = %v, want 0.95 for a rollout inside the lookback", ev.SignalStrength)
	}

	data := ev.Data.DeployHistory
	if data.CurrentRevision != 4 || data.PriorRevision != 3 {
		t.Errorf("revisions = %d/%d, want 4/3", data.CurrentRevision, data.PriorRevision)
	}
	if !data.RecentDeploy {
		t.Error("expected RecentDeploy")
	}
	if !data.ImageChanged {
		t.Error("expected ImageChanged between v1 and v2")
	}
	if !data.TemplateChanged {
		t.Error("expected TemplateChanged from differing pod-template-hash")
	}
	if data.CurrentImage != "registry.local/payments:v2" || data.PriorImage != "registry.local/payments:v1" {
		t.Errorf("images = %q/%q", data.CurrentImage, data.PriorImage)
	}
	if data.RolloutInProgress {
		t.Error("settled rollout should not be in progress")
	}
	if data.DesiredReplicas != 3 || data.ReadyReplicas != 3 {
		t.Errorf("replicas = %d/%d, want 3/3", data.ReadyReplicas, data.DesiredReplicas)
	}
}

func TestDeployCollectorOldRollout(t *testing.T) {
	client := fake.NewSimpleClientset(
		testDeployment("payments", "4", 3),
		testReplicaSet("payments-6f7", "payments", "4", "6f7", "registry.local/payments:v2", 3*time.Hour),
		testReplicaSet("payments-5d4", "payments", "3", "5d4", "registry.local/payments:v2", 6*time.Hour),
	)
	collector := NewDeployCollector(client, 30*time.Minute)

	evs, err := collector.Collect(context.Background(), testContext(), liveWindow())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(evs))
	}

	ev := evs[0]
	if ev.SignalStrength != 0.5 {
		t.Errorf("strength = %v, want 0.5 for an old rollout with history", ev.SignalStrength)
	}
	data := ev.Data.DeployHistory
	if data.RecentDeploy {
		t.Error("3h old rollout should not be recent")
	}
	if data.ImageChanged {
		t.Error("identical images should not report ImageChanged")
	}
}

func TestDeployCollectorWiderLookbackTiers(t *testing.T) {
	// With a 2h lookback a 90m old rollout is recent but past the hot tier.
	client := fake.NewSimpleClientset(
		testDeployment("payments", "4", 3),
		testReplicaSet("payments-6f7", "payments", "4", "6f7", "registry.local/payments:v2", 90*time.Minute),
	)
	collector := NewDeployCollector(client, 2*time.Hour)

	evs, err := collector.Collect(context.Background(), testContext(), liveWindow())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if evs[0].SignalStrength != 0.85 {
		t.Errorf("strength = %v, want 0.85", evs[0].SignalStrength)
	}
}

func TestDeployCollectorRolloutInProgress(t *testing.T) {
	dep := testDeployment("payments", "4", 3)
	dep.Generation = 5
	client := fake.NewSimpleClientset(
		dep,
		testReplicaSet("payments-6f7", "payments", "4", "6f7", "registry.local/payments:v2", 3*time.Hour),
	)
	collector := NewDeployCollector(client, 30*time.Minute)

	evs, err := collector.Collect(context.Background(), testContext(), liveWindow())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	ev := evs[0]
	if !ev.Data.DeployHistory.RolloutInProgress {
		t.Error("generation ahead of observedGeneration should flag RolloutInProgress")
	}
	if ev.SignalStrength != 0.7 {
		t.Errorf("strength = %v, want 0.7", ev.SignalStrength)
	}
}

func TestDeployCollectorFiltersByService(t *testing.T) {
	client := fake.NewSimpleClientset(
		testDeployment("payments", "4", 3),
		testDeployment("inventory", "2", 2),
	)
	collector := NewDeployCollector(client, 30*time.Minute)

	evs, err := collector.Collect(context.Background(), testContext(), liveWindow())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(evs) != 1 || evs[0].EntityName != "payments" {
		t.Fatalf("expected only the payments deployment, got %d records", len(evs))
	}
}

func TestDeployCollectorWithoutReplicaSets(t *testing.T) {
	dep := testDeployment("payments", "2", 3)
	dep.CreationTimestamp = metav1.NewTime(time.Now().Add(-5 * time.Minute))
	collector := NewDeployCollector(fake.NewSimpleClientset(dep), 30*time.Minute)

	evs, err := collector.Collect(context.Background(), testContext(), liveWindow())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	data := evs[0].Data.DeployHistory
	if data.CurrentRevision != 2 {
		t.Errorf("revision from annotation = %d, want 2", data.CurrentRevision)
	}
	if data.PriorRevision != 0 {
		t.Errorf("prior revision = %d, want 0", data.PriorRevision)
	}
	if !data.RecentDeploy {
		t.Error("freshly created deployment should count as recent")
	}
}
