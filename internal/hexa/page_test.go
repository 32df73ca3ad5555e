package hexa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func marshalUnmarshal(t *testing.T, page *Page) *Page {
	t.Helper()
	buf := make([]byte, PageSize)
	require.NoError(t, page.marshal(buf))
	got, err := unmarshalPage(page.ID, buf)
	require.NoError(t, err)
	return got
}

func TestPage_LeafRoundTripKeepsEntries(t *testing.T) {
	t.Parallel()

	leaf := &PageDataLeaf{NextLeaf: 9}
	for key := int64(1); key <= 3; key++ {
		row := NewRow(key, []OptionalValue{
			{Value: key, Valid: true},
			{},
			{Value: "text", Valid: true},
		})
		payload := serializeRowValues(row)
		leaf.entries = append(leaf.entries, leafEntry{key: key, payload: payload})
		leaf.used += leafEntryOverhead + len(payload)
	}

	got := marshalUnmarshal(t, &Page{ID: 4, Type: PageTypeLeaf, Parent: 2, Leaf: leaf})
	require.Equal(t, PageTypeLeaf, got.Type)
	assert.Equal(t, int32(2), got.Parent)
	assert.Equal(t, int32(9), got.Leaf.NextLeaf)
	require.Len(t, got.Leaf.entries, 3)
	assert.Equal(t, leaf.used, got.Leaf.used)

	row, err := got.Leaf.getRow(nil, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), row.Key)
	assert.False(t, row.Values[1].Valid)
	assert.Equal(t, "text", row.Values[2].Value)
}

func TestPage_NodeRoundTrip(t *testing.T) {
	t.Parallel()

	node := &PageDataNode{
		keys:           []int64{10, 20},
		children:       []int32{3, 4, 5},
		RowCountStored: 123,
	}
	got := marshalUnmarshal(t, &Page{ID: 1, Type: PageTypeNode, Node: node})
	assert.Equal(t, node.keys, got.Node.keys)
	assert.Equal(t, node.children, got.Node.children)
	assert.Equal(t, int64(123), got.Node.RowCountStored)
}

func TestPage_StreamPagesRoundTrip(t *testing.T) {
	t.Parallel()

	trunk := &PageStreamTrunk{LogKey: 77, NextTrunk: 12, PageIDs: []int32{5, 6, 7}}
	gotTrunk := marshalUnmarshal(t, &Page{ID: 2, Type: PageTypeStreamTrunk, Trunk: trunk})
	assert.Equal(t, trunk, gotTrunk.Trunk)

	data := &PageStreamData{LogKey: 77, Data: []byte("chunk")}
	gotData := marshalUnmarshal(t, &Page{ID: 3, Type: PageTypeStreamData, StreamData: data})
	assert.Equal(t, data, gotData.StreamData)
}

func TestPage_MetaRoundTrip(t *testing.T) {
	t.Parallel()

	meta := &PageMeta{ChangeCount: 99, Roots: map[int32]int32{1: 4, 2: 8}}
	got := marshalUnmarshal(t, &Page{ID: 0, Type: PageTypeMeta, Meta: meta})
	assert.Equal(t, meta.ChangeCount, got.Meta.ChangeCount)
	assert.Equal(t, meta.Roots, got.Meta.Roots)
}

func TestPage_UnknownTypeIsCorruption(t *testing.T) {
	t.Parallel()

	buf := make([]byte, PageSize)
	buf[0] = 0xAB
	_, err := unmarshalPage(1, buf)
	require.Error(t, err)
	assert.True(t, HasCode(err, FileCorrupted))
}
