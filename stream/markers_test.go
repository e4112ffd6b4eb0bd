package stream

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/emote-tracker/kv"
)

func TestMarkerStore_AppendCollisions(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	ms := NewMarkerStore(store)

	ts, err := ms.Append(ctx, "c", "s", 1000, Marker{Type: MarkerStart, EmoteCount: intp(1)})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), ts)

	// same millisecond is moved forward, not merged
	ts, err = ms.Append(ctx, "c", "s", 1000, Marker{Type: MarkerCategoryChanged, EmoteCount: intp(2)})
	require.NoError(t, err)
	assert.Equal(t, int64(1001), ts)

	// a clock that went backwards still appends after the last marker
	ts, err = ms.Append(ctx, "c", "s", 10, Marker{Type: MarkerEnd, EmoteCount: intp(3)})
	require.NoError(t, err)
	assert.Equal(t, int64(1002), ts)

	list, err := ms.List(ctx, "c", "s")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []int64{1000, 1001, 1002}, []int64{list[0].Timestamp, list[1].Timestamp, list[2].Timestamp})
	assert.Equal(t, MarkerStart, list[0].Type)
	assert.Equal(t, intp(2), list[1].EmoteCount)
}

func TestMarkerStore_KeyOrderAcrossDigitLengths(t *testing.T) {
	ctx := context.Background()
	ms := NewMarkerStore(kv.NewMemoryStore())
	_, err := ms.Append(ctx, "c", "s", 999, Marker{Type: MarkerStart})
	require.NoError(t, err)
	_, err = ms.Append(ctx, "c", "s", 1000, Marker{Type: MarkerEnd})
	require.NoError(t, err)

	first, ok, err := ms.FirstKey(ctx, "c", "s")
	require.NoError(t, err)
	require.True(t, ok)
	last, ok, err := ms.LastKey(ctx, "c", "s")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(999), first)
	assert.Equal(t, int64(1000), last)

	_, ok, err = ms.LastKey(ctx, "c", "other")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkerStore_FieldAndPatch(t *testing.T) {
	ctx := context.Background()
	ms := NewMarkerStore(kv.NewMemoryStore())
	ts, err := ms.Append(ctx, "c", "s", 5, Marker{Type: MarkerStart, Category: Category{ID: "1", Name: "a"}, Title: "t", EmoteCount: intp(7)})
	require.NoError(t, err)

	require.NoError(t, ms.Patch(ctx, "c", "s", ts, map[string]any{"emoteUsage": 3}))

	var usage int
	ok, err := ms.Field(ctx, "c", "s", ts, "emoteUsage", &usage)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, usage)

	m, ok, err := ms.Get(ctx, "c", "s", ts)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "t", m.Title, "patch keeps unspecified fields")
	assert.Equal(t, intp(7), m.EmoteCount)

	var missing string
	ok, err = ms.Field(ctx, "c", "s", ts, "nope", &missing)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := ms.emoteCount(ctx, "c", "s", 12345)
	require.NoError(t, err)
	assert.Nil(t, n)
}

func TestMarkerStore_Records(t *testing.T) {
	ctx := context.Background()
	ms := NewMarkerStore(kv.NewMemoryStore())
	require.NoError(t, ms.CreateRecord(ctx, "c", "s1", StreamRecord{Title: "one", Viewers: 3}))
	require.NoError(t, ms.CreateRecord(ctx, "c", "s2", StreamRecord{Title: "two"}))
	_, err := ms.Append(ctx, "c", "s1", 1, Marker{Type: MarkerStart})
	require.NoError(t, err)

	require.NoError(t, ms.UpdateRecord(ctx, "c", "s1", map[string]any{"viewers": 9}))
	rec, ok, err := ms.Record(ctx, "c", "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "one", rec.Title)
	assert.Equal(t, 9, rec.Viewers)

	ids, err := ms.Streams(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, ids)
}
