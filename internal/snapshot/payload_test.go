package snapshot_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvs-project/trail/internal/snapshot"
	"github.com/jvs-project/trail/pkg/errclass"
	"github.com/jvs-project/trail/pkg/model"
)

func TestEncode_ExcludesOwnership(t *testing.T) {
	a := page("p1", "body")
	b := page("p2", "body")
	b.WorkspaceID = "ws9"
	b.Title = a.Title

	_, ha, err := snapshot.Encode(a)
	require.NoError(t, err)
	_, hb, err := snapshot.Encode(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestEncode_InvalidJSONContent(t *testing.T) {
	s := page("p1", "{not json")
	s.Format = model.FormatJSON
	_, _, err := snapshot.Encode(s)
	require.ErrorIs(t, err, errclass.ErrInvalidEntry)
}

func TestDecode_RoundTripAndVersion(t *testing.T) {
	data, hash, err := snapshot.Encode(page("p1", "hello"))
	require.NoError(t, err)

	state, err := snapshot.Decode(data, hash)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(state.Content))
	assert.Equal(t, model.KindPage, state.Kind)

	_, err = snapshot.Decode(data, model.HashValue("0000000000000000000000000000000000000000000000000000000000000000"))
	require.ErrorIs(t, err, errclass.ErrSnapshotCorrupt)
}
