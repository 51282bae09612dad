package tracing_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/voicesofjudah/mediagate/internal/tracing"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := tracing.Init(t.Context(), "mediagate", "test", "", true)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	require.NoError(t, shutdown(t.Context()))
}
