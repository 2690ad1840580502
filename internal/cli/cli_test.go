package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yangwenmai/cookiepool/internal/config"
	"github.com/yangwenmai/cookiepool/internal/engine"
)

const testTargets = `targets:
  - id: event-1
    url: https://www.example.com/event/1
    tags: [vip]
  - url: https://shop.example.org/
`

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	targetsFile := filepath.Join(dir, "targets.yaml")
	require.NoError(t, os.WriteFile(targetsFile, []byte(testTargets), 0644))

	return config.Config{
		DBPath:           filepath.Join(dir, "cookiepool.db"),
		TargetsFile:      targetsFile,
		Proxies:          []string{engine.DirectProxy},
		ProxyFailureTTL:  time.Minute,
		Browser:          engine.BrowserStub,
		MinSize:          1,
		MaxSize:          5,
		MaxConcurrent:    1,
		TickInterval:     time.Second,
		CleanupInterval:  time.Minute,
		ExpiryPolicy:     "earliest",
		SessionTimeout:   5 * time.Second,
		SessionRetries:   2,
		StuckAfter:       time.Minute,
		AttemptRetention: time.Hour,
	}
}

func testCommand() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	return cmd
}

func TestBuildApp_AcquiresWithStubBrowser(t *testing.T) {
	a, err := buildApp(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(a.close)

	assert.Equal(t, 2, a.targets.Len())
	require.NoError(t, a.session.Preflight(context.Background()))

	res, err := a.session.Run(context.Background(), engine.Request{})
	require.NoError(t, err)
	require.NotNil(t, res.Artifact)
	assert.Equal(t, 1, res.Tries)

	stats, err := collectStats(testCommand(), a, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ActiveArtifacts)
	assert.Equal(t, 1, stats.TotalArtifacts)
	assert.Equal(t, 1, stats.Attempts.Success)

	cleaned, err := runCleanup(testCommand(), a)
	require.NoError(t, err)
	assert.Zero(t, cleaned.Evicted.Expired)
	assert.Zero(t, cleaned.Reset)
}

func TestBuildApp_MissingTargetsFileIdles(t *testing.T) {
	cfg := testConfig(t)
	cfg.TargetsFile = filepath.Join(t.TempDir(), "absent.yaml")

	a, err := buildApp(cfg)
	require.NoError(t, err)
	t.Cleanup(a.close)

	err = a.session.Preflight(context.Background())
	require.Error(t, err)
	assert.True(t, engine.IsFatal(err))
	assert.Equal(t, engine.KindTargetUnavailable, engine.KindOf(err))
}

func TestBuildApp_Errors(t *testing.T) {
	cfg := testConfig(t)
	cfg.Browser = "netscape"
	_, err := buildApp(cfg)
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.MinSize = 10
	cfg.MaxSize = 2
	_, err = buildApp(cfg)
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.ProxyFile = filepath.Join(t.TempDir(), "missing.txt")
	_, err = buildApp(cfg)
	assert.Error(t, err)
}

func TestWireAcquisition_MergesProxyFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.ProxyFile = filepath.Join(t.TempDir(), "proxies.txt")
	require.NoError(t, os.WriteFile(cfg.ProxyFile, []byte("# pool\nhttp://p1:8080\n\nhttp://p2:8080\n"), 0644))

	a, err := buildApp(cfg)
	require.NoError(t, err)
	t.Cleanup(a.close)

	assert.Equal(t, []string{engine.DirectProxy, "http://p1:8080", "http://p2:8080"}, a.rotator.Proxies())
	assert.Equal(t, 1, a.scheduler.Config().MaxConcurrent)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
	assert.Equal(t, "cookiepool dev\n", out.String())
}
