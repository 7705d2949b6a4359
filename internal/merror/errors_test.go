package merror

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorIsKind(t *testing.T) {
	err := New(SignatureError, "artifact.Parse", errors.New("bad sig"))
	require.True(t, errors.Is(err, SignatureError))
	require.False(t, errors.Is(err, ParseError))
}

func TestFollowedByPreservesBoth(t *testing.T) {
	a := New(DependencyMismatch, "devicecontext.Matches", nil)
	b := New(ProgrammingError, "standalone.Cleanup", nil)

	chained := FollowedBy(a, b)
	require.ErrorIs(t, chained, a)
	require.Contains(t, chained.Error(), a.Error())
	require.Contains(t, chained.Error(), b.Error())
}

func TestFollowedByNilSides(t *testing.T) {
	a := New(ParseError, "artifact.Parse", nil)
	require.Equal(t, a, FollowedBy(a, nil))
	require.Equal(t, a, FollowedBy(nil, a))
	require.Nil(t, FollowedBy(nil, nil))
}
