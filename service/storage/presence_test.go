package storage

import (
	"context"
	"testing"
	"time"

	errs "github.com/simanam/omni-realtime/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Nothing initializes redis in unit tests, so every call must surface
// the "store unreachable" error for the manager to degrade on.
func TestPresenceSurfacesUnreachableStore(t *testing.T) {
	ctx := context.Background()

	err := PresenceOnline(ctx, "node-a", "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, &errs.ErrRedisNotReady)

	err = PresenceOffline(ctx, "node-a", "alice", time.Now().UnixMilli())
	assert.ErrorIs(t, err, &errs.ErrRedisNotReady)

	err = PresenceRefresh(ctx, "node-a", []string{"alice"})
	assert.ErrorIs(t, err, &errs.ErrRedisNotReady)

	_, err = ListOnline(ctx, time.Minute)
	assert.ErrorIs(t, err, &errs.ErrRedisNotReady)
}

func TestPresenceFieldLayout(t *testing.T) {
	assert.Equal(t, "node-a:alice", presenceField("node-a", "alice"))
}
