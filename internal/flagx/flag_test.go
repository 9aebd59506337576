package flagx

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilterArgs_SeparateValue(t *testing.T) {
	args := []string{"-a", ":8080", "-x", "nope", "-d", "dsn"}
	got := FilterArgs(args, []string{"-a", "-d"})
	require.Equal(t, []string{"-a", ":8080", "-d", "dsn"}, got)
}

func TestFilterArgs_EqualsForm(t *testing.T) {
	args := []string{"--config=conf.json", "--other=1", "-a=:9090"}
	got := FilterArgs(args, []string{"--config", "-a"})
	require.Equal(t, []string{"--config=conf.json", "-a=:9090"}, got)
}

func TestFilterArgs_FlagFollowedByFlag(t *testing.T) {
	// A flag directly followed by another flag must not swallow it as a value.
	args := []string{"-a", "-d", "dsn"}
	got := FilterArgs(args, []string{"-a", "-d"})
	require.Equal(t, []string{"-a", "-d", "dsn"}, got)
}

func TestFilterArgs_Empty(t *testing.T) {
	got := FilterArgs(nil, []string{"-a"})
	require.NotNil(t, got)
	require.Empty(t, got)
}
