package nodes

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtarradellas/proton-drive-sdk-sub000/internal/uid"
)

func TestMaybeNodeOkRoundTrips(t *testing.T) {
	n := Node{Uid: uid.NodeUid{VolumeID: "v1", NodeID: "n1"}, Name: "file.txt", Type: TypeFile}
	m := OkNode(n)

	assert.True(t, m.IsOk())
	got, ok := m.Node()
	require.True(t, ok)
	assert.Equal(t, n, got)

	_, degraded := m.Degraded()
	assert.False(t, degraded)
}

func TestMaybeNodeErrCarriesFieldFailures(t *testing.T) {
	d := DegradedNode{
		Uid: uid.NodeUid{VolumeID: "v1", NodeID: "n1"},
		FieldErrors: []FieldFailure{
			{Field: FieldNodeName, Err: errors.New("bad signature")},
		},
	}
	m := ErrNode(d)

	assert.False(t, m.IsOk())
	_, ok := m.Node()
	assert.False(t, ok)

	got, ok := m.Degraded()
	require.True(t, ok)
	assert.Equal(t, d, got)
	assert.Equal(t, "nodeName", got.FieldErrors[0].Field.String())
}

func TestMaybeMissingNodeDistinguishesThreeOutcomes(t *testing.T) {
	okM := OkMissingNode(Node{Uid: uid.NodeUid{VolumeID: "v1", NodeID: "n1"}})
	assert.True(t, okM.IsOk())
	assert.False(t, okM.IsMissing())

	degradedM := ErrDegradedLookup(DegradedNode{Uid: uid.NodeUid{VolumeID: "v1", NodeID: "n1"}})
	assert.False(t, degradedM.IsOk())
	assert.False(t, degradedM.IsMissing())

	missingUid := uid.NodeUid{VolumeID: "v1", NodeID: "ghost"}
	missingM := ErrNotFound(missingUid)
	assert.False(t, missingM.IsOk())
	assert.True(t, missingM.IsMissing())
	got, ok := missingM.Missing()
	require.True(t, ok)
	assert.Equal(t, missingUid, got.MissingUid)
}

func TestAuthorVariants(t *testing.T) {
	ok := OkAuthor("alice@example.com")
	assert.True(t, ok.IsOk())
	assert.Equal(t, "alice@example.com", ok.Email())
	assert.False(t, ok.IsAnonymous())

	anon := AnonymousAuthor()
	assert.True(t, anon.IsOk())
	assert.True(t, anon.IsAnonymous())

	errAuthor := ErrAuthor("claimed@example.com", errors.New("signature verification failed"))
	assert.False(t, errAuthor.IsOk())
	assert.Equal(t, "claimed@example.com", errAuthor.ClaimedAuthor())
	assert.Error(t, errAuthor.Err())
}
