// Package policy decides whether a proposed remediation may touch the
// cluster. The blast radius model grades how much damage an action could do;
// the gate turns that grade plus environment policy into an ALLOW,
// REQUIRE_APPROVAL, or DENY. Both are pure functions over their inputs so
// every decision can be replayed from its audit record.
package policy

import (
	"math"
	"strings"

	"github.com/IGLOU-EU/go-wildcard/v2"

	"github.com/kuremedy/kuremedy/internal/config"
	"github.com/kuremedy/kuremedy/internal/models"
)

// BlastRadiusWeights splits the 100-point score across the four factors.
type BlastRadiusWeights struct {
	Replicas    float64
	Namespace   float64
	Environment float64
	Action      float64
}

// DefaultBlastRadiusWeights grade replica reach highest.
var DefaultBlastRadiusWeights = BlastRadiusWeights{
	Replicas:    40,
	Namespace:   20,
	Environment: 20,
	Action:      20,
}

// BlastRadiusInput describes the action whose reach is being graded.
type BlastRadiusInput struct {
	AffectedReplicas int32
	TotalReplicas    int32
	Namespace        string
	Environment      config.Environment
	ActionType       models.ActionType
}

// replicaFraction is the share of the workload's replicas the action touches.
// An unknown denominator grades as full reach.
func replicaFraction(affected, total int32) float64 {
	if total <= 0 {
		if affected > 0 {
			return 1
		}
		return 0
	}
	f := float64(affected) / float64(total)
	if f > 1 {
		return 1
	}
	if f < 0 {
		return 0
	}
	return f
}

// namespaceCriticality grades the namespace the action lands in. Protected
// namespaces count as fully critical, production-suffixed ones as elevated.
func namespaceCriticality(namespace string, protected []string) float64 {
	if namespaceMatches(namespace, protected) {
		return 1.0
	}
	switch {
	case strings.HasSuffix(namespace, "-prod"),
		strings.HasSuffix(namespace, "-production"),
		namespace == "prod",
		namespace == "production":
		return 0.5
	}
	return 0.2
}

func environmentWeight(env config.Environment) float64 {
	switch env {
	case config.EnvProd:
		return 1.0
	case config.EnvStaging:
		return 0.5
	default:
		return 0.1
	}
}

func actionRiskWeight(t models.ActionType) float64 {
	switch t.Risk() {
	case models.RiskHigh:
		return 1.0
	case models.RiskMedium:
		return 0.5
	default:
		return 0.2
	}
}

// Score computes the blast radius of an action on a 0-100 scale using the
// given weights. protected is the critical namespace list, wildcards allowed.
func Score(in BlastRadiusInput, weights BlastRadiusWeights, protected []string) float64 {
	score := weights.Replicas*replicaFraction(in.AffectedReplicas, in.TotalReplicas) +
		weights.Namespace*namespaceCriticality(in.Namespace, protected) +
		weights.Environment*environmentWeight(in.Environment) +
		weights.Action*actionRiskWeight(in.ActionType)
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return math.Round(score*100) / 100
}

// namespaceMatches reports whether namespace matches any entry in patterns,
// either exactly or as a wildcard pattern.
func namespaceMatches(namespace string, patterns []string) bool {
	for _, p := range patterns {
		if p == namespace || wildcard.Match(p, namespace) {
			return true
		}
	}
	return false
}
