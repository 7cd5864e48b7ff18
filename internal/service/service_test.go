package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextualhq/eventcore/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		RedisAddr:          "127.0.0.1:1",
		MaxRetries:         3,
		MaxConcurrentTasks: 2,
		TaskRetryStrategy:  "fixed",
		AdminListenAddr:    "127.0.0.1:0",
		ShutdownGrace:      100 * time.Millisecond,
		StartupWait:        50 * time.Millisecond,
		HoldingStream:      "tasks.holding",
	}
}

func TestNew_WiresComponents(t *testing.T) {
	svc := New(testConfig(), nil, nil)
	require.NotNil(t, svc)
	assert.NotNil(t, svc.Bus())
	assert.NotNil(t, svc.Queue())
	assert.NotNil(t, svc.Bus().Registry())
}

func TestRun_FailsFastWhenBackendUnreachable(t *testing.T) {
	svc := New(testConfig(), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	err := svc.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not reachable")
	// StartupWait bounds the wait; nothing should hang.
	assert.Less(t, time.Since(start), 3*time.Second)
}
