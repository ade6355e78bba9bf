package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"crashengine/internal/game"
)

const (
	keyCurrentRound = "crash:round:current"
	keyRoundHistory = "crash:round:history"

	snapshotTTL   = time.Hour
	historyLength = 50
)

// RoundCache mirrors the public round state into Redis so that read-heavy
// paths (state endpoint, reconnect bootstrap, history) never have to
// touch the engine or the ledger store. It is a projection only; losing
// it loses nothing.
type RoundCache struct {
	client *redis.Client
}

func NewRoundCache(client *redis.Client) *RoundCache {
	return &RoundCache{client: client}
}

func (c *RoundCache) SaveRound(ctx context.Context, s game.Snapshot) {
	data, err := json.Marshal(s)
	if err != nil {
		log.WithError(err).Error("snapshot marshal failed")
		return
	}
	if err := c.client.Set(ctx, keyCurrentRound, data, snapshotTTL).Err(); err != nil {
		log.WithError(err).Debug("snapshot write failed")
	}
}

func (c *RoundCache) AppendHistory(ctx context.Context, s game.Snapshot) {
	data, err := json.Marshal(s)
	if err != nil {
		log.WithError(err).Error("snapshot marshal failed")
		return
	}
	pipe := c.client.Pipeline()
	pipe.LPush(ctx, keyRoundHistory, data)
	pipe.LTrim(ctx, keyRoundHistory, 0, historyLength-1)
	if _, err := pipe.Exec(ctx); err != nil {
		log.WithError(err).Debug("history write failed")
	}
}

// Current returns the mirrored snapshot, false if none is cached.
func (c *RoundCache) Current(ctx context.Context) (game.Snapshot, bool) {
	raw, err := c.client.Get(ctx, keyCurrentRound).Bytes()
	if err != nil {
		return game.Snapshot{}, false
	}
	var s game.Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return game.Snapshot{}, false
	}
	return s, true
}

// Recent returns up to n settled-round snapshots, newest first.
func (c *RoundCache) Recent(ctx context.Context, n int) []game.Snapshot {
	raws, err := c.client.LRange(ctx, keyRoundHistory, 0, int64(n-1)).Result()
	if err != nil {
		return nil
	}
	out := make([]game.Snapshot, 0, len(raws))
	for _, raw := range raws {
		var s game.Snapshot
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			continue
		}
		out = append(out, s)
	}
	return out
}

var _ game.Snapshotter = (*RoundCache)(nil)
