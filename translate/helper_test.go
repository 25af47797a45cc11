package translate

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func fixture(t *testing.T, name string) []byte {
	t.Helper()

	b, err := os.ReadFile("testdata/" + name)
	require.NoError(t, err)

	return b
}

func decodeFixture(t *testing.T, name string) Envelope {
	t.Helper()

	env, err := Decode(fixture(t, name))
	require.NoError(t, err)

	return env
}
