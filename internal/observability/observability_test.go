package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartSpan(t *testing.T) {
	tests := []struct {
		name     string
		spanName string
		data     map[string]any
	}{
		{
			name:     "span with nil data",
			spanName: "history.fetch_page",
			data:     nil,
		},
		{
			name:     "span with mixed data types",
			spanName: "materialize.pass",
			data: map[string]any{
				"thread":     "t1",
				"streams":    3,
				"generation": uint64(9),
				"stream":     true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, span := StartSpan(context.Background(), tt.spanName, tt.data)
			require.NotNil(t, span)
			assert.NotNil(t, ctx)
			assert.Equal(t, tt.spanName, span.Name())
			assert.Equal(t, tt.data, span.data)
		})
	}
}

func TestSpan_End(t *testing.T) {
	_, span := StartSpan(context.Background(), "end", nil)
	span.SetAttribute("count", 2)
	span.SetError(errors.New("boom"))

	span.End()
	span.End()
	assert.True(t, span.IsEnded())
}

func TestSpan_ZeroValue(t *testing.T) {
	var span Span
	assert.NotPanics(t, func() {
		span.SetAttribute("k", "v")
		span.SetError(errors.New("x"))
		span.End()
	})
	assert.False(t, span.IsEnded())
}

func TestInit_Disabled(t *testing.T) {
	require.NoError(t, Init(Config{ExporterType: "none"}))
	require.NoError(t, Shutdown(context.Background()))
}

func TestInit_StdoutLogsExporter(t *testing.T) {
	log, hook := test.NewNullLogger()
	require.NoError(t, Init(Config{Enabled: true, ExporterType: "stdout", Logger: log}))
	t.Cleanup(func() {
		_ = Shutdown(context.Background())
		tracerProvider = nil
	})

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "tracing initialized", hook.LastEntry().Message)
	assert.Equal(t, "stdout", hook.LastEntry().Data["exporter"])
}

func TestInit_UnknownExporter(t *testing.T) {
	err := Init(Config{Enabled: true, ExporterType: "carrier-pigeon"})
	assert.ErrorContains(t, err, "unknown exporter type")
}

func TestParseHeaders(t *testing.T) {
	assert.Nil(t, parseHeaders(""))
	assert.Equal(t,
		map[string]string{"Authorization": "Bearer x", "X-Team": "sync"},
		parseHeaders("Authorization=Bearer x, X-Team=sync,bogus"))
}
