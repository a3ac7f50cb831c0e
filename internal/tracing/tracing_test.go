package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTracer_NoOpByDefaultAndStartableWithoutEndpoint(t *testing.T) {
	tracer := Tracer("issueforge/test")
	require.NotNil(t, tracer)

	_, span := tracer.Start(context.Background(), "unit-test-span")
	require.NotNil(t, span)
	span.End()
}

func TestSetServiceName_IgnoresEmptyValue(t *testing.T) {
	original := serviceName
	t.Cleanup(func() { serviceName = original })

	SetServiceName("")
	require.Equal(t, original, serviceName)

	SetServiceName("issueforge-test-service")
	require.Equal(t, "issueforge-test-service", serviceName)
}

func TestShutdown_NoOpWhenSDKProviderNeverInitialized(t *testing.T) {
	require.NoError(t, Shutdown(context.Background()))
}

func TestEndpointHost_StripsScheme(t *testing.T) {
	require.Equal(t, "otel-collector:4318", endpointHost("http://otel-collector:4318"))
	require.Equal(t, "otel-collector:4318", endpointHost("https://otel-collector:4318"))
	require.Equal(t, "otel-collector:4318", endpointHost("otel-collector:4318"))
}
