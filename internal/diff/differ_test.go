package diff

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvs-project/trail/pkg/errclass"
)

func TestFields_NoChanges(t *testing.T) {
	res, err := Fields([]byte(`{"title":"A","meta":{"x":1,"y":2}}`), []byte(`{"meta":{"y":2,"x":1},"title":"A"}`))
	require.NoError(t, err)
	assert.True(t, res.Empty())
	assert.Empty(t, res.Changes)
}

func TestFields_AddedRemovedModified(t *testing.T) {
	before := []byte(`{"title":"Draft","icon":"📄","order":1}`)
	after := []byte(`{"title":"Roadmap","order":1,"parent":"p-9"}`)

	res, err := Fields(before, after)
	require.NoError(t, err)

	assert.Equal(t, []string{"icon", "parent", "title"}, res.UpdatedFields)
	assert.Equal(t, []Change{
		{Field: "icon", Type: ChangeRemoved},
		{Field: "parent", Type: ChangeAdded},
		{Field: "title", Type: ChangeModified},
	}, res.Changes)

	assert.Equal(t, json.RawMessage(`"Draft"`), res.PreviousValues["title"])
	assert.Equal(t, json.RawMessage(`"Roadmap"`), res.NewValues["title"])
	assert.Contains(t, res.PreviousValues, "icon")
	assert.NotContains(t, res.NewValues, "icon")
	assert.Contains(t, res.NewValues, "parent")
	assert.NotContains(t, res.PreviousValues, "parent")
}

func TestFields_CreateFromNothing(t *testing.T) {
	res, err := Fields(nil, []byte(`{"title":"New"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"title"}, res.UpdatedFields)
	assert.Empty(t, res.PreviousValues)
}

func TestFields_DeleteToNull(t *testing.T) {
	res, err := Fields([]byte(`{"title":"Gone"}`), []byte(`null`))
	require.NoError(t, err)
	assert.Equal(t, []Change{{Field: "title", Type: ChangeRemoved}}, res.Changes)
}

func TestFields_ValuesCanonical(t *testing.T) {
	res, err := Fields([]byte(`{"m":{"b":1}}`), []byte(`{"m":{ "b" : 2 , "a" : 1 }}`))
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`{"a":1,"b":2}`), res.NewValues["m"])
}

func TestFields_RejectsNonObject(t *testing.T) {
	_, err := Fields([]byte(`[1,2]`), []byte(`{}`))
	assert.ErrorIs(t, err, errclass.ErrInvalidEntry)
}
