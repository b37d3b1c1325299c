package publisher

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGlobFilterEmptyMatchesAll(t *testing.T) {
	f, err := NewGlobFilter(nil)
	require.NoError(t, err)
	require.True(t, f.Match("CREATE TABLE"))
	require.True(t, f.Match(""))
}

func TestGlobFilterPatterns(t *testing.T) {
	f, err := NewGlobFilter([]string{"CREATE*", "DROP*"})
	require.NoError(t, err)

	require.True(t, f.Match("CREATE TABLE"))
	require.True(t, f.Match("DROP INDEX"))
	require.False(t, f.Match("ALTER TABLE"))
	require.True(t, f.Match(""), "untagged entries always pass")
}

func TestGlobFilterInvalidPattern(t *testing.T) {
	_, err := NewGlobFilter([]string{"[unclosed"})
	require.Error(t, err)
}
