package daemon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciuslab/concierge/internal/config"
	"github.com/luciuslab/concierge/internal/logger"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func testDaemonConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = freePort(t)
	cfg.Logging.File = filepath.Join(cfg.DataDir, "concierge.log")
	cfg.Logging.AuditFile = filepath.Join(cfg.DataDir, "audit.jsonl")
	cfg.AI.Profiles = []config.AIProfile{{ID: "main", Provider: "openai", APIKey: "sk-test"}}
	cfg.ToolServers = []config.ToolServerConfig{{Name: "stub", Command: "true"}}
	cfg.Auth.Services = []config.AuthServiceConfig{
		{Service: "gmail", Command: "true", MarkerDir: filepath.Join(cfg.DataDir, "tokens", "gmail")},
	}
	return cfg
}

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()

	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)

	d, err := New(testDaemonConfig(t), log)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
		_ = log.Close()
	})

	return d
}

func TestDaemonStartStop(t *testing.T) {
	d := newTestDaemon(t)

	require.NoError(t, d.Start())
	assert.True(t, d.Running())
	assert.Greater(t, d.Uptime(), time.Duration(0))

	// Starting again is a no-op.
	require.NoError(t, d.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
	assert.False(t, d.Running())
	assert.Equal(t, time.Duration(0), d.Uptime())

	// Stopping again is a no-op.
	require.NoError(t, d.Stop(ctx))
}

func TestDaemonServesHealthz(t *testing.T) {
	d := newTestDaemon(t)
	require.NoError(t, d.Start())

	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", d.config.Server.Port)

	var resp *http.Response
	require.Eventually(t, func() bool {
		var err error
		resp, err = http.Get(url)
		return err == nil
	}, 2*time.Second, 50*time.Millisecond)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
