package natstransport

import (
	"bytes"
	"fmt"
	"log/slog"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

func TestAsyncErrorHandlerLogsSlowConsumer(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	handle := asyncErrorHandler(logger, 8)

	handle(nil, &nats.Subscription{Subject: "cmdbridge.responses.x"}, fmt.Errorf("wrapped: %w", nats.ErrSlowConsumer))
	out := buf.String()
	assert.Contains(t, out, "slow consumer")
	assert.Contains(t, out, "subject=cmdbridge.responses.x")
	assert.Contains(t, out, "buffer_size=8")

	buf.Reset()
	handle(nil, nil, nats.ErrBadSubscription)
	assert.Contains(t, buf.String(), "nats async error")
	assert.NotContains(t, buf.String(), "slow consumer")
}

func TestNewDialerDefaultsLogger(t *testing.T) {
	d := NewDialer(Options{})
	assert.NotNil(t, d.opts.Logger)
	assert.Equal(t, defaultBufferSize, d.opts.BufferSize)
}
