package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime/debug"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yamlforge/perfcore/internal/config"
	"github.com/yamlforge/perfcore/internal/loader"
	"github.com/yamlforge/perfcore/pkg/errors"
	"github.com/yamlforge/perfcore/pkg/utils"
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
}

func TestValidateAll(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "deploy.yaml", "kind: Deployment\n---\nkind: Service\n")
	writeFile(t, root, "broken.yaml", "a: [unclosed\n")
	writeFile(t, root, "empty.yaml", "")

	cfg := config.NewDefault()
	cfg.Monitor.GCInterval = time.Hour
	svc, err := newService(cfg, utils.NewNopLogger(), nil)
	require.NoError(t, err)
	registerValidation(svc.Batch())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	keys := []string{"deploy.yaml", "broken.yaml", "missing.yaml", "empty.yaml"}
	results, err := validateAll(ctx, svc, loader.NewFileLoader(root), keys)
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.Equal(t, "deploy.yaml", results[0].Key)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, 2, results[0].Documents)

	assert.Error(t, results[1].Err)

	assert.True(t, errors.HasCode(results[2].Err, errors.ErrCodeObjectNotFound))

	assert.NoError(t, results[3].Err)
	assert.Zero(t, results[3].Documents)

	// a second run is served from the cache
	_, err = validateAll(ctx, svc, loader.NewFileLoader(root), []string{"deploy.yaml"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), svc.GetStats().Cache.Hits)

	var buf bytes.Buffer
	failed := writeReport(&buf, results)
	assert.Equal(t, 2, failed)
	assert.Contains(t, buf.String(), "ok   deploy.yaml (35 B, 2 document(s))")
	assert.Contains(t, buf.String(), "FAIL missing.yaml")
	assert.Contains(t, buf.String(), "4 checked, 2 failed")
}

func TestParseFlags(t *testing.T) {
	cli, err := parseFlags([]string{"-config", "perfcore.yaml", "-serve", "a.yaml", "b.yaml"})
	require.NoError(t, err)
	assert.Equal(t, "perfcore.yaml", cli.ConfigPath)
	assert.True(t, cli.Serve)
	assert.Equal(t, []string{"a.yaml", "b.yaml"}, cli.Keys)
	assert.Equal(t, 10*time.Second, cli.ShutdownTimeout)

	_, err = parseFlags([]string{"-shutdown-timeout", "0s"})
	assert.Error(t, err)
}

func TestLoadConfiguration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "perfcore.yaml")
	writeFile(t, filepath.Dir(path), "perfcore.yaml", "batch:\n  batch_size: 25\n")

	cfg, err := loadConfiguration(path)
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Batch.BatchSize)

	writeFile(t, filepath.Dir(path), "perfcore.yaml", "batch:\n  batch_size: 0\n")
	_, err = loadConfiguration(path)
	assert.Error(t, err)
}

func TestRunCheckConfig(t *testing.T) {
	assert.NoError(t, run([]string{"-check-config"}))
}

func TestApplyRuntimeSettings(t *testing.T) {
	cfg := config.NewDefault()
	logger := utils.NewNopLogger()

	before := debug.SetGCPercent(100)
	defer debug.SetGCPercent(before)

	applyRuntimeSettings(cfg, logger)()
	assert.Equal(t, 100, debug.SetGCPercent(100), "unset leaves GOGC alone")

	cfg.Monitor.GCPercent = 250
	restore := applyRuntimeSettings(cfg, logger)
	assert.Equal(t, 250, debug.SetGCPercent(250))

	restore()
	assert.Equal(t, 100, debug.SetGCPercent(100))
}
