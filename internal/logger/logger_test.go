package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	for _, env := range []string{"", "development", "production"} {
		log, err := New(env)
		require.NoError(t, err)
		require.NotNil(t, log)
		log.Debug("hello")
	}
	require.NotPanics(t, func() { Must("production") })
}
