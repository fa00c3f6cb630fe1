package tracing

import (
	"context"
	"errors"
	"testing"

	"chatsync/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  models.TracingConfig
		wantErr string
	}{
		{name: "disabled needs nothing", config: models.TracingConfig{}},
		{name: "console", config: models.TracingConfig{Enabled: true, ServiceName: "chatsync", SampleRate: 1, UseConsole: true}},
		{name: "otlp", config: models.TracingConfig{Enabled: true, ServiceName: "chatsync", SampleRate: 0.5, OTLPEndpoint: "http://localhost:4318/v1/traces"}},
		{name: "missing service", config: models.TracingConfig{Enabled: true, UseConsole: true}, wantErr: "service_name"},
		{name: "bad rate", config: models.TracingConfig{Enabled: true, ServiceName: "s", SampleRate: 1.5, UseConsole: true}, wantErr: "sample_rate"},
		{name: "missing endpoint", config: models.TracingConfig{Enabled: true, ServiceName: "s", SampleRate: 1}, wantErr: "otlp_endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.config)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestTracingManager_Disabled(t *testing.T) {
	tm := NewTracingManager(models.TracingConfig{}, logrus.New())

	require.NoError(t, tm.Initialize(context.Background()))
	assert.Nil(t, tm.tracerProvider)
	assert.NoError(t, tm.Shutdown(context.Background()))
}

func TestTracingManager_ConsoleExporter(t *testing.T) {
	tm := NewTracingManager(models.TracingConfig{
		Enabled:     true,
		ServiceName: "chatsync-test",
		SampleRate:  1,
		UseConsole:  true,
	}, nil)

	require.NoError(t, tm.Initialize(context.Background()))
	require.NotNil(t, tm.tracerProvider)

	ctx, span := StartSpan(context.Background(), "history.load", attribute.String("conversation", "direct:u2"))
	assert.NotEmpty(t, GetOtelTraceID(ctx))
	AddSpanAttributes(ctx, attribute.Int("messages", 3))
	EndSpan(span, errors.New("boom"))

	assert.NoError(t, tm.Shutdown(context.Background()))
}

func TestSpanHelpersWithoutProvider(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetOtelTraceID(ctx))
	AddSpanAttributes(ctx, attribute.Bool("x", true))
}
