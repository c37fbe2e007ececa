package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestTestLogger_Creation(t *testing.T) {
	tl := NewTestLogger()
	assert.NotNil(t, tl.Logger)
	assert.NotNil(t, tl.observed)
}

func TestTestLogger_AssertLogged(t *testing.T) {
	tl := NewTestLogger()
	ctx := context.Background()

	tl.Info(ctx, "test message", zap.String("key", "value"))

	tl.AssertLogged(t, zapcore.InfoLevel, "test message")
}

func TestTestLogger_AssertNotLogged(t *testing.T) {
	tl := NewTestLogger()

	tl.AssertNotLogged(t, zapcore.ErrorLevel, "should not exist")
}

func TestTestLogger_AssertField(t *testing.T) {
	tl := NewTestLogger()
	ctx := context.Background()

	tl.Info(ctx, "test", zap.String("key", "value"))

	tl.AssertField(t, "test", "key", "value")
}

func TestTestLogger_Reset(t *testing.T) {
	tl := NewTestLogger()
	ctx := context.Background()

	tl.Info(ctx, "before reset")
	tl.Reset()
	tl.Info(ctx, "after reset")

	assert.Len(t, tl.All(), 1)
	assert.Equal(t, "after reset", tl.All()[0].Message)
}

func TestTestLogger_FilterMessage(t *testing.T) {
	tl := NewTestLogger()
	ctx := context.Background()

	tl.Info(ctx, "selection complete")
	tl.Info(ctx, "eviction triggered")
	tl.Info(ctx, "selection complete")

	assert.Equal(t, 2, tl.FilterMessage("selection complete").Len())
}
