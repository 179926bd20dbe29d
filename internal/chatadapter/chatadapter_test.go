package chatadapter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPolicyIsAllowedEmptyAllowlist(t *testing.T) {
	p := Policy{}
	require.True(t, p.IsAllowed("anyone"))
}

func TestPolicyIsAllowedExactMatch(t *testing.T) {
	p := Policy{AllowList: []string{"123456"}}
	require.True(t, p.IsAllowed("123456"))
	require.False(t, p.IsAllowed("999999"))
}

func TestPolicyIsAllowedCompoundForm(t *testing.T) {
	p := Policy{AllowList: []string{"123456|alice"}}
	require.True(t, p.IsAllowed("123456"))
	require.True(t, p.IsAllowed("123456|alice"))
	require.True(t, p.IsAllowed("alice"))
	require.False(t, p.IsAllowed("bob"))
}

func TestPolicyIsAllowedAtPrefixStripped(t *testing.T) {
	p := Policy{AllowList: []string{"@alice"}}
	require.True(t, p.IsAllowed("alice"))
}

func TestPolicyAcceptDisabled(t *testing.T) {
	p := Policy{DMPolicy: DMPolicyDisabled}
	require.False(t, p.Accept("direct", "123"))
}

func TestPolicyAcceptOpenDefault(t *testing.T) {
	p := Policy{}
	require.True(t, p.Accept("direct", "anyone"))
	require.True(t, p.Accept("group", "anyone"))
}

func TestPolicyAcceptAllowlistPerPeerKind(t *testing.T) {
	p := Policy{
		DMPolicy:    DMPolicyOpen,
		GroupPolicy: GroupPolicyAllowlist,
		AllowList:   []string{"123"},
	}
	require.True(t, p.Accept("direct", "999"))
	require.False(t, p.Accept("group", "999"))
	require.True(t, p.Accept("group", "123"))
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "hello", Truncate("hello", 10))
	require.Equal(t, "he...", Truncate("hello", 2))
}
