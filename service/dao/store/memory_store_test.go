package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	ID   string
	Name string
}

func TestSaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore[string, record](func(r *record) string { return r.ID })

	require.NoError(t, s.Save(ctx, &record{ID: "r1", Name: "first"}))
	require.NoError(t, s.Save(ctx, nil))

	got, err := s.Load(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "first", got.Name)

	missing, err := s.Load(ctx, "r2")
	require.NoError(t, err)
	assert.Nil(t, missing)

	// Save with the same key overwrites.
	require.NoError(t, s.Save(ctx, &record{ID: "r1", Name: "second"}))
	got, err = s.Load(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Name)

	require.NoError(t, s.Delete(ctx, "r1"))
	got, err = s.Load(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, s.Delete(ctx, "r1"))
}

func TestList(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore[string, record](func(r *record) string { return r.ID })
	require.NoError(t, s.Save(ctx, &record{ID: "r1"}))
	require.NoError(t, s.Save(ctx, &record{ID: "r2"}))

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
