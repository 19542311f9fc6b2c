package logship

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestZapCoreShipsEntries(t *testing.T) {
	stub := &ingestStub{}
	s := newTestShipper(t, stub, nil)

	logger := zap.New(NewZapCore(s, zapcore.InfoLevel)).Named("access")
	logger.Info("token rejected",
		zap.String("code", "AUTH_003"),
		zap.Int("attempt", 2),
	)
	require.NoError(t, s.Flush(context.Background()))

	require.Equal(t, 1, stub.eventCount())
	evt := stub.batches[0][0]
	assert.Equal(t, "token rejected", evt["message"])
	assert.Equal(t, "info", evt["level"])
	assert.Equal(t, "access", evt["logger"])
	assert.Equal(t, "AUTH_003", evt["code"])
	assert.Equal(t, float64(2), evt["attempt"], "numbers round-trip through JSON as float64")
	assert.Contains(t, evt, "_time")
}

func TestZapCoreRespectsLevel(t *testing.T) {
	stub := &ingestStub{}
	s := newTestShipper(t, stub, nil)

	logger := zap.New(NewZapCore(s, zapcore.WarnLevel))
	logger.Info("below threshold")
	logger.Warn("at threshold")
	require.NoError(t, s.Flush(context.Background()))

	require.Equal(t, 1, stub.eventCount())
	assert.Equal(t, "at threshold", stub.batches[0][0]["message"])
}

func TestZapCoreWithFieldsAccumulate(t *testing.T) {
	stub := &ingestStub{}
	s := newTestShipper(t, stub, nil)

	logger := zap.New(NewZapCore(s, zapcore.InfoLevel)).
		With(zap.String("service", "edge-gateway"))
	logger.Info("started", zap.String("region", "ewr"))
	require.NoError(t, s.Flush(context.Background()))

	require.Equal(t, 1, stub.eventCount())
	evt := stub.batches[0][0]
	assert.Equal(t, "edge-gateway", evt["service"])
	assert.Equal(t, "ewr", evt["region"])
}

func TestZapCoreSyncFlushes(t *testing.T) {
	stub := &ingestStub{}
	s := newTestShipper(t, stub, func(c *Config) { c.FlushInterval = time.Hour })

	logger := zap.New(NewZapCore(s, zapcore.InfoLevel))
	logger.Info("pending")
	require.NoError(t, logger.Sync())

	assert.Equal(t, 1, stub.eventCount())
}
