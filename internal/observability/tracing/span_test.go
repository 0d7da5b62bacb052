package tracing

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsSensitiveKeys(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("event.id", "1"),
		attribute.String("credential.password", "x"),
		attribute.String("signed_xml", "<a/>"),
		attribute.String("company.id", "2"),
	)
	require.Len(t, attrs, 2)
	require.Equal(t, attribute.Key("event.id"), attrs[0].Key)
	require.Equal(t, attribute.Key("company.id"), attrs[1].Key)
}

func TestSafeErrorBoundsMessage(t *testing.T) {
	require.Nil(t, SafeError(nil))
	long := errors.New(strings.Repeat("e", maxErrorLength*2))
	require.Len(t, SafeError(long).Error(), maxErrorLength)
}
