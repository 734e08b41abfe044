// Package sessiontest runs one conformance suite against any
// sessions.Store implementation.
package sessiontest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tsok-org/model-context-protocol/sessions"
)

// Factory constructs a fresh store for one subtest.
type Factory func(t *testing.T) sessions.Store

// Run executes the conformance suite against factory.
func Run(t *testing.T, factory Factory) {
	t.Run("CreateThenGet", func(t *testing.T) { testCreateThenGet(t, factory) })
	t.Run("GetUnknownIsNotFound", func(t *testing.T) { testGetUnknown(t, factory) })
	t.Run("DeleteIsIdempotent", func(t *testing.T) { testDeleteIdempotent(t, factory) })
	t.Run("UpdatePersistsBagAndState", func(t *testing.T) { testUpdatePersists(t, factory) })
	t.Run("InitializeRejectsDoubleInitialize", func(t *testing.T) { testDoubleInitialize(t, factory) })
}

func testCreateThenGet(t *testing.T, factory Factory) {
	store := factory(t)
	ctx := context.Background()

	created, err := store.Create(ctx, sessions.RequestMetadata{})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.Equal(t, sessions.StateCreated, created.State)

	fetched, err := store.Get(ctx, created.ID, sessions.RequestMetadata{})
	require.NoError(t, err)
	require.Equal(t, created.ID, fetched.ID)
}

func testGetUnknown(t *testing.T, factory Factory) {
	store := factory(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "does-not-exist", sessions.RequestMetadata{})
	require.ErrorIs(t, err, sessions.ErrNotFound)
}

func testDeleteIdempotent(t *testing.T, factory Factory) {
	store := factory(t)
	ctx := context.Background()

	created, err := store.Create(ctx, sessions.RequestMetadata{})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, created.ID, sessions.RequestMetadata{}))
	require.NoError(t, store.Delete(ctx, created.ID, sessions.RequestMetadata{}))

	_, err = store.Get(ctx, created.ID, sessions.RequestMetadata{})
	require.ErrorIs(t, err, sessions.ErrNotFound)
}

func testUpdatePersists(t *testing.T, factory Factory) {
	store := factory(t)
	ctx := context.Background()

	created, err := store.Create(ctx, sessions.RequestMetadata{})
	require.NoError(t, err)

	created.SetValue("foo", []byte(`"bar"`))
	require.NoError(t, store.Update(ctx, created))

	fetched, err := store.Get(ctx, created.ID, sessions.RequestMetadata{})
	require.NoError(t, err)
	v, ok := fetched.GetValue("foo")
	require.True(t, ok)
	require.Equal(t, `"bar"`, string(v))
}

func testDoubleInitialize(t *testing.T, factory Factory) {
	store := factory(t)
	ctx := context.Background()

	created, err := store.Create(ctx, sessions.RequestMetadata{})
	require.NoError(t, err)

	require.NoError(t, created.Initialize(sessions.NegotiatedMetadata{ProtocolVersion: "2025-11-25"}))
	require.NoError(t, store.Update(ctx, created))

	require.ErrorIs(t, created.Initialize(sessions.NegotiatedMetadata{ProtocolVersion: "2025-11-25"}), sessions.ErrInvalidTransition)
}
