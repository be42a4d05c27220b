// ABOUTME: Tests for the JSON-document collections, the service access store,
// ABOUTME: and agent tokens against an in-memory SQLite database.

package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fableforge/rift/internal/access"
	"github.com/fableforge/rift/internal/service"
)

type thing struct {
	ID     string      `json:"id"`
	Parent string      `json:"parent,omitempty"`
	Label  string      `json:"label"`
	ACL    access.List `json:"acl,omitempty"`
}

func (t thing) EntityID() string { return t.ID }

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCollection_CRUDRoundTrip(t *testing.T) {
	db := testDB(t)
	col := NewCollection[thing](db, "thing")

	require.NoError(t, col.Insert(t.Context(), thing{ID: "t1", Label: "one"}))

	got, err := col.Get(t.Context(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "one", got.Label)

	updated, err := col.Update(t.Context(), "t1", func(e thing) thing {
		e.Label = "two"
		return e
	})
	require.NoError(t, err)
	assert.Equal(t, "two", updated.Label)

	require.NoError(t, col.Delete(t.Context(), "t1"))
	_, err = col.Get(t.Context(), "t1")
	assert.ErrorIs(t, err, service.ErrNotFound)
}

func TestCollection_Sentinels(t *testing.T) {
	db := testDB(t)
	col := NewCollection[thing](db, "thing")

	require.NoError(t, col.Insert(t.Context(), thing{ID: "t1"}))
	assert.ErrorIs(t, col.Insert(t.Context(), thing{ID: "t1"}), service.ErrDuplicate)

	_, err := col.Get(t.Context(), "ghost")
	assert.ErrorIs(t, err, service.ErrNotFound)

	_, err = col.Update(t.Context(), "ghost", func(e thing) thing { return e })
	assert.ErrorIs(t, err, service.ErrNotFound)

	assert.ErrorIs(t, col.Delete(t.Context(), "ghost"), service.ErrNotFound)
}

func TestCollection_ACLSurvivesRoundTrip(t *testing.T) {
	db := testDB(t)
	col := NewCollection[thing](db, "thing")

	require.NoError(t, col.Insert(t.Context(), thing{
		ID:  "t1",
		ACL: access.List{{PrincipalID: "alice", Level: access.Admin}},
	}))

	got, err := col.Get(t.Context(), "t1")
	require.NoError(t, err)
	assert.Equal(t, access.Admin, got.ACL.Grant("alice"))
}

func TestCollection_ServicesAreIsolated(t *testing.T) {
	db := testDB(t)
	a := NewCollection[thing](db, "alpha")
	b := NewCollection[thing](db, "beta")

	require.NoError(t, a.Insert(t.Context(), thing{ID: "t1", Label: "from-a"}))
	// Same id in another service does not collide.
	require.NoError(t, b.Insert(t.Context(), thing{ID: "t1", Label: "from-b"}))

	_, err := a.Get(t.Context(), "t1")
	require.NoError(t, err)
	got, err := b.Get(t.Context(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "from-b", got.Label)
}

func TestCollection_ListByParentField(t *testing.T) {
	db := testDB(t)
	col := NewCollection[thing](db, "thing")

	require.NoError(t, col.Insert(t.Context(), thing{ID: "m1", Parent: "c1", Label: "first"}))
	require.NoError(t, col.Insert(t.Context(), thing{ID: "m2", Parent: "c1", Label: "second"}))
	require.NoError(t, col.Insert(t.Context(), thing{ID: "m3", Parent: "c2", Label: "other"}))

	got, err := col.ListBy(t.Context(), "parent", "c1", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, "m2", got[1].ID)

	n, err := col.CountBy(t.Context(), "parent", "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	removed, err := col.DeleteBy(t.Context(), "parent", "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	n, err = col.CountBy(t.Context(), "parent", "c1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAccessStore_UpsertAndLoad(t *testing.T) {
	db := testDB(t)
	as := NewAccessStore(db)

	got, err := as.ServiceAccess(t.Context(), "alice")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, as.SetServiceAccess(t.Context(), "alice", "note", access.Read))
	require.NoError(t, as.SetServiceAccess(t.Context(), "alice", "note", access.Moderate))
	require.NoError(t, as.SetServiceAccess(t.Context(), "alice", "chat", access.Admin))

	got, err = as.ServiceAccess(t.Context(), "alice")
	require.NoError(t, err)
	assert.Equal(t, map[string]access.Level{
		"note": access.Moderate,
		"chat": access.Admin,
	}, got)
}

func TestTokenStore_RoundTrip(t *testing.T) {
	db := testDB(t)
	ts := NewTokenStore(db)

	require.NoError(t, ts.Create(t.Context(), "tok-1", "alice", "scribe"))

	g, err := ts.Lookup(t.Context(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, Grant{PrincipalID: "alice", AgentID: "scribe"}, g)

	require.NoError(t, ts.Revoke(t.Context(), "tok-1"))
	_, err = ts.Lookup(t.Context(), "tok-1")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}
