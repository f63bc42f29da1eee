package utils_test

import (
	"testing"

	"github.com/jrsteele09/go-session-keeper/internal/utils"
	"github.com/stretchr/testify/require"
)

func TestClaimStrings(t *testing.T) {
	require.Equal(t, []string{"a", "b"}, utils.ClaimStrings([]any{"a", 1, "b"}))
	require.Equal(t, []string{"a", "b"}, utils.ClaimStrings("a  b"))
	require.Equal(t, []string{"x"}, utils.ClaimStrings([]string{"x"}))
	require.Nil(t, utils.ClaimStrings(42))
	require.Nil(t, utils.ClaimStrings(nil))
}
