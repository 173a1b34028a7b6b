package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("PEEKRELAY_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("PEEKRELAY_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p, err := NewPostgres(ctx, PostgresConfig{DSN: dsn, MaxConnections: 4, ApplicationName: "peekrelay-test"})
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestPostgres_FriendshipAndWatchLifecycle(t *testing.T) {
	p := openTestPostgres(t)
	ctx := context.Background()
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	a, b := "pg-a-"+suffix, "pg-b-"+suffix

	identA, err := p.UpsertIdentity(ctx, profile(a, "A"), 1)
	require.NoError(t, err)
	_, err = p.UpsertIdentity(ctx, profile(b, "B"), 1)
	require.NoError(t, err)

	again, err := p.UpsertIdentity(ctx, profile(a, "A2"), 2)
	require.NoError(t, err)
	assert.Equal(t, identA.ID, again.ID)
	assert.Equal(t, "A2", again.DisplayName)

	created, err := p.EnsureFriendshipEdge(ctx, a, b, 3)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = p.EnsureFriendshipEdge(ctx, a, b, 3)
	require.NoError(t, err)
	assert.False(t, created)

	ok, err := p.SetExclusion(ctx, a, b, true, 4)
	require.NoError(t, err)
	assert.True(t, ok)

	friends, err := p.ListFriendEdges(ctx, a)
	require.NoError(t, err)
	require.Len(t, friends, 1)
	assert.Equal(t, b, friends[0].Identity.Key)
	assert.True(t, friends[0].Edge.Excluded)

	keys, err := p.ListFriendKeys(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, []string{b}, keys)

	_, found, err := p.FindIdentity(ctx, "missing-"+suffix)
	require.NoError(t, err)
	assert.False(t, found)

	v1, err := p.EnsureVideo(ctx, "vid-"+suffix, "https://youtu.be/x", "T", 5)
	require.NoError(t, err)
	v2, err := p.EnsureVideo(ctx, "vid-"+suffix, "https://youtu.be/x", "T2", 6)
	require.NoError(t, err)
	assert.Equal(t, v1.ID, v2.ID)

	created, err = p.EnsureWatch(ctx, identA.ID, v1.ID, 7)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = p.EnsureWatch(ctx, identA.ID, v1.ID, 8)
	require.NoError(t, err)
	assert.False(t, created)

	watches, err := p.ListWatches(ctx, identA.ID)
	require.NoError(t, err)
	assert.Len(t, watches, 1)
}
