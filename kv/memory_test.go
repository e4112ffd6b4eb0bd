package kv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	Title   string `json:"title"`
	Viewers int    `json:"viewers"`
	Usage   *int   `json:"emoteUsage,omitempty"`
}

func TestMemoryStoreSetGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var out doc
	ok, err := s.Get(ctx, StreamRecord("c", "s"), &out)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, StreamRecord("c", "s"), doc{Title: "hello", Viewers: 3}))
	ok, err = s.Get(ctx, StreamRecord("c", "s"), &out)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, doc{Title: "hello", Viewers: 3}, out)
}

func TestMemoryStoreUpdateMerges(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := StreamRecord("c", "s")

	require.NoError(t, s.Set(ctx, p, doc{Title: "t", Viewers: 3}))
	require.NoError(t, s.Update(ctx, p, map[string]any{"viewers": 9, "emoteUsage": 4}))

	var out doc
	_, err := s.Get(ctx, p, &out)
	require.NoError(t, err)
	assert.Equal(t, "t", out.Title)
	assert.Equal(t, 9, out.Viewers)
	require.NotNil(t, out.Usage)
	assert.Equal(t, 4, *out.Usage)

	// update on an absent node creates it
	require.NoError(t, s.Update(ctx, StreamRecord("c", "other"), map[string]any{"title": "new"}))
	ok, err := s.Get(ctx, StreamRecord("c", "other"), &out)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "new", out.Title)
}

func TestMemoryStoreUpdateReplacesScalar(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := Temp("scalar")

	require.NoError(t, s.Set(ctx, p, 42))
	require.NoError(t, s.Update(ctx, p, map[string]any{"title": "object now"}))

	var out doc
	ok, err := s.Get(ctx, p, &out)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, doc{Title: "object now"}, out)
}

func TestMemoryStoreCreate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := Marker("c", "s", 10)

	created, err := s.Create(ctx, p, doc{Title: "first"})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.Create(ctx, p, doc{Title: "second"})
	require.NoError(t, err)
	assert.False(t, created)

	var out doc
	_, err = s.Get(ctx, p, &out)
	require.NoError(t, err)
	assert.Equal(t, "first", out.Title)
}

func TestMemoryStoreChildrenOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, ts := range []int64{1000, 999, 1001, 20} {
		require.NoError(t, s.Set(ctx, Marker("c", "s", ts), doc{}))
	}
	// grandchildren are not children
	require.NoError(t, s.Set(ctx, Markers("c", "s").Child("1000").Child("nested"), doc{}))

	names, err := s.Children(ctx, Markers("c", "s"))
	require.NoError(t, err)
	assert.Equal(t, []string{"20", "999", "1000", "1001"}, names)

	first, ok, err := s.FirstChild(ctx, Markers("c", "s"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "20", first)

	last, ok, err := s.LastChild(ctx, Markers("c", "s"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1001", last)

	_, ok, err = s.LastChild(ctx, Markers("c", "missing"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStoreDeleteSubtree(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, StreamRecord("c", "s"), doc{}))
	require.NoError(t, s.Set(ctx, Marker("c", "s", 1), doc{}))
	require.NoError(t, s.Set(ctx, StreamRecord("c", "s2"), doc{}))
	require.NoError(t, s.Set(ctx, StreamRecord("c", "s-sibling"), doc{}))

	require.NoError(t, s.Delete(ctx, StreamRecord("c", "s")))
	assert.Equal(t, 2, s.Len())

	ok, err := s.Get(ctx, StreamRecord("c", "s-sibling"), nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStoreRejectsInvalidPath(t *testing.T) {
	s := NewMemoryStore()
	err := s.Set(context.Background(), StreamRecord("", "s"), doc{})
	assert.ErrorIs(t, err, ErrInvalidPath)
}
