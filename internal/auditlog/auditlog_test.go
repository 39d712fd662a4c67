package auditlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStore_RecordAndRecent(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, Entry{Actor: "alice", Action: "override", Target: "breaker", CreatedAt: time.Unix(1, 0)}))
	require.NoError(t, store.Record(ctx, Entry{Actor: "bob", Action: "override", Target: "breaker", CreatedAt: time.Unix(2, 0)}))

	recent := store.Recent(0)
	require.Len(t, recent, 2)
	assert.Equal(t, "bob", recent[0].Actor, "most recent entry first")
	assert.Equal(t, "alice", recent[1].Actor)
}

func TestMemStore_RecentRespectsLimit(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Record(ctx, Entry{Actor: "a", Action: "override"}))
	}
	assert.Len(t, store.Recent(2), 2)
}
