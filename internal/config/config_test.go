package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("KUREMEDY_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, EnvDev, cfg.Environment)
	assert.Equal(t, "default", cfg.Cluster)
	assert.Equal(t, 5*time.Minute, cfg.CollectionDeadlineTotal)
	assert.Equal(t, 60*time.Second, cfg.CollectionDeadlinePerSource)
	assert.Equal(t, 120*time.Second, cfg.VerificationDelay)
	assert.Equal(t, 4*time.Hour, cfg.ApprovalTimeout)
	assert.Equal(t, 30*time.Minute, cfg.DeployLookback)
	assert.Equal(t, 22, cfg.FreezeHoursStart)
	assert.Equal(t, 6, cfg.FreezeHoursEnd)
	assert.Equal(t, 4*time.Hour, cfg.DedupTTL)
	assert.True(t, cfg.AutoApproveDev)
	assert.Contains(t, cfg.ProtectedNamespaces, "kube-system")
	assert.Contains(t, cfg.HighRiskActions, "drain_node")
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("KUREMEDY_DATA_DIR", t.TempDir())
	t.Setenv("KUREMEDY_ENVIRONMENT", "prod")
	t.Setenv("KUREMEDY_CLUSTER", "prod-eu-1")
	t.Setenv("KUREMEDY_VERIFICATION_DELAY", "90s")
	t.Setenv("KUREMEDY_RETRY_BUDGET", "2")
	t.Setenv("KUREMEDY_PROTECTED_NAMESPACES", "kube-system, vault ,")
	t.Setenv("KUREMEDY_AUTO_APPROVE_DEV", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, EnvProd, cfg.Environment)
	assert.Equal(t, "prod-eu-1", cfg.Cluster)
	assert.Equal(t, 90*time.Second, cfg.VerificationDelay)
	assert.Equal(t, 2, cfg.RetryBudget)
	assert.Equal(t, []string{"kube-system", "vault"}, cfg.ProtectedNamespaces)
	assert.False(t, cfg.AutoApproveDev)
}

func TestLoadRejectsBadEnvironment(t *testing.T) {
	t.Setenv("KUREMEDY_DATA_DIR", t.TempDir())
	t.Setenv("KUREMEDY_ENVIRONMENT", "production")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadIgnoresMalformedOverrides(t *testing.T) {
	t.Setenv("KUREMEDY_DATA_DIR", t.TempDir())
	t.Setenv("KUREMEDY_RETRY_BUDGET", "many")
	t.Setenv("KUREMEDY_VERIFICATION_DELAY", "soon")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.RetryBudget)
	assert.Equal(t, 120*time.Second, cfg.VerificationDelay)
}

func TestValidateCrossFieldDeadlines(t *testing.T) {
	t.Setenv("KUREMEDY_DATA_DIR", t.TempDir())
	t.Setenv("KUREMEDY_COLLECTION_DEADLINE_TOTAL", "30s")
	t.Setenv("KUREMEDY_COLLECTION_DEADLINE_PER_SOURCE", "60s")

	_, err := Load()
	assert.Error(t, err)
}

func TestOverlayWatcherReadsExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy-overlay.json")
	writeOverlay(t, path, PolicyOverlay{FreezeActive: true, ProtectedNamespaces: []string{"payments-*"}})

	ow, err := NewOverlayWatcher(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ow.watcher.Close() })

	overlay := ow.Current()
	assert.True(t, overlay.FreezeActive)
	assert.Equal(t, []string{"payments-*"}, overlay.ProtectedNamespaces)
}

func TestOverlayWatcherMissingFileYieldsZero(t *testing.T) {
	dir := t.TempDir()

	ow, err := NewOverlayWatcher(filepath.Join(dir, "policy-overlay.json"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ow.watcher.Close() })

	overlay := ow.Current()
	assert.False(t, overlay.FreezeActive)
	assert.Empty(t, overlay.ProtectedNamespaces)
}

func TestOverlayWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy-overlay.json")

	ow, err := NewOverlayWatcher(path)
	require.NoError(t, err)

	changed := make(chan PolicyOverlay, 1)
	ow.OnChange(func(o PolicyOverlay) {
		select {
		case changed <- o:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ow.Start(ctx)

	writeOverlay(t, path, PolicyOverlay{FreezeActive: true})

	select {
	case overlay := <-changed:
		assert.True(t, overlay.FreezeActive)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for overlay reload")
	}

	assert.True(t, ow.Current().FreezeActive)
}

func TestCurrentReturnsCopy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy-overlay.json")
	writeOverlay(t, path, PolicyOverlay{ProtectedNamespaces: []string{"a"}})

	ow, err := NewOverlayWatcher(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ow.watcher.Close() })

	got := ow.Current()
	got.ProtectedNamespaces[0] = "mutated"

	assert.Equal(t, []string{"a"}, ow.Current().ProtectedNamespaces)
}

func writeOverlay(t *testing.T, path string, overlay PolicyOverlay) {
	t.Helper()

	data, err := json.Marshal(overlay)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
}
