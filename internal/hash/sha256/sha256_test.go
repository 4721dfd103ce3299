package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasherKeySeparatesParts(t *testing.T) {
	t.Parallel()

	h := New()
	require.Equal(t, h.Key("owner", "follower", "a"), h.Key("owner", "follower", "a"))
	require.NotEqual(t, h.Key("ab", "c"), h.Key("a", "bc"))
	require.Len(t, h.Key("x"), 64)
	// sha256("hello world")
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", h.Key("hello world"))
}
