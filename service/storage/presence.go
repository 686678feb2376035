package storage

import (
	"context"
	"strconv"
	"strings"
	"time"

	redis2 "github.com/simanam/omni-realtime/service/storage/redis"
	errs "github.com/simanam/omni-realtime/tools/errs"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Presence lives in one hash so any node can answer "who is online"
// with a single read:
//
//	rt:presence  field "<node>:<user>"  ->  last-seen unix millis
//
// Fields are per (node, user) on purpose: a user connected through two
// gateway nodes stays online when one node drops its last local
// connection, because each node only ever deletes its own fields.
// Hash fields carry no TTL, so entries from a dead node are aged out by
// readers using the staleness cutoff.
const presenceHashKey = "rt:presence"

func presenceField(nodeID, userID string) string {
	return nodeID + ":" + userID
}

// PresenceOnline marks the user online through this node and refreshes
// its last-seen stamp.
func PresenceOnline(ctx context.Context, nodeID, userID string) error {
	rdb := redis2.GetRedis()
	if rdb == nil {
		return &errs.ErrRedisNotReady
	}
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return errors.Wrap(rdb.HSet(ctx, presenceHashKey, presenceField(nodeID, userID), now).Err(), "presence online")
}

// offlineScript deletes the field only while its stamp is not newer
// than the caller's cutoff. A reconnect through the same node that
// already re-stamped the field keeps its entry.
var offlineScript = redis.NewScript(`
local v = redis.call("HGET", KEYS[1], ARGV[1])
if v and tonumber(v) <= tonumber(ARGV[2]) then
	return redis.call("HDEL", KEYS[1], ARGV[1])
end
return 0`)

// PresenceOffline removes this node's entry for the user, unless the
// entry was re-stamped after cutoffMillis. Entries held by other nodes
// are untouched.
func PresenceOffline(ctx context.Context, nodeID, userID string, cutoffMillis int64) error {
	rdb := redis2.GetRedis()
	if rdb == nil {
		return &errs.ErrRedisNotReady
	}
	err := offlineScript.Run(ctx, rdb, []string{presenceHashKey}, presenceField(nodeID, userID), cutoffMillis).Err()
	return errors.Wrap(err, "presence offline")
}

// PresenceRefresh re-stamps all of this node's users in one pipeline.
// The manager calls it on a ticker so entries only age out when a node
// actually dies.
func PresenceRefresh(ctx context.Context, nodeID string, userIDs []string) error {
	rdb := redis2.GetRedis()
	if rdb == nil {
		return &errs.ErrRedisNotReady
	}
	if len(userIDs) == 0 {
		return nil
	}
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	pipe := rdb.Pipeline()
	for _, uid := range userIDs {
		pipe.HSet(ctx, presenceHashKey, presenceField(nodeID, uid), now)
	}
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "presence refresh")
}

// ListOnline returns the distinct user IDs with a fresh presence entry
// on any node. Stale fields (older than ttl, their node is gone) are
// pruned along the way.
func ListOnline(ctx context.Context, ttl time.Duration) ([]string, error) {
	rdb := redis2.GetRedis()
	if rdb == nil {
		return nil, &errs.ErrRedisNotReady
	}
	all, err := rdb.HGetAll(ctx, presenceHashKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "presence list")
	}

	cutoff := time.Now().Add(-ttl).UnixMilli()
	seen := make(map[string]struct{}, len(all))
	var users []string
	var stale []string
	for field, stamp := range all {
		ms, perr := strconv.ParseInt(stamp, 10, 64)
		if perr != nil || ms < cutoff {
			stale = append(stale, field)
			continue
		}
		i := strings.IndexByte(field, ':')
		if i < 0 || i+1 >= len(field) {
			stale = append(stale, field)
			continue
		}
		uid := field[i+1:]
		if _, dup := seen[uid]; dup {
			continue
		}
		seen[uid] = struct{}{}
		users = append(users, uid)
	}
	if len(stale) > 0 {
		// best effort, the next reader retries
		_ = rdb.HDel(ctx, presenceHashKey, stale...).Err()
	}
	return users, nil
}
