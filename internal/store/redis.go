package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "clickgate"

// Redis implements ClickIDStore and PatternStore on hashes updated inside
// MULTI/EXEC or a Lua script, so concurrent sightings of one key never lose
// an increment.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

// OpenRedis parses a redis:// URL and pings the server.
func OpenRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedis(client, ""), nil
}

func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *Redis) clickKey(domainID, clickID string) string {
	return r.prefix + ":click:" + domainID + ":" + clickID
}

func (r *Redis) patternKey(hash string) string { return r.prefix + ":pattern:" + hash }

func (r *Redis) contextsKey(hash string) string { return r.prefix + ":pattern:" + hash + ":contexts" }

func (r *Redis) lastSeenKey() string { return r.prefix + ":patterns:last_seen" }

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

func (r *Redis) RecordClickID(ctx context.Context, s ClickIDSighting) (ClickIDObservation, error) {
	key := r.clickKey(s.DomainID, s.ClickID)
	errs, err := json.Marshal(s.Errors)
	if err != nil {
		return ClickIDObservation{}, fmt.Errorf("encode errors: %w", err)
	}

	var (
		hits      *redis.IntCmd
		network   *redis.StringCmd
		firstSeen *redis.StringCmd
	)
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSetNX(ctx, key, "network", s.Network)
		p.HSetNX(ctx, key, "first_seen", formatTime(s.SeenAt))
		hits = p.HIncrBy(ctx, key, "hit_count", 1)
		p.HSet(ctx, key,
			"last_seen", formatTime(s.SeenAt),
			"last_valid", strconv.FormatBool(s.IsValid),
			"last_errors", string(errs),
			"entropy", strconv.FormatFloat(s.Entropy, 'f', 4, 64),
		)
		network = p.HGet(ctx, key, "network")
		firstSeen = p.HGet(ctx, key, "first_seen")
		return nil
	})
	if err != nil {
		return ClickIDObservation{}, fmt.Errorf("record click id: %w", err)
	}

	first, err := parseTime(firstSeen.Val())
	if err != nil {
		return ClickIDObservation{}, fmt.Errorf("decode first_seen: %w", err)
	}
	return ClickIDObservation{
		DomainID:   s.DomainID,
		ClickID:    s.ClickID,
		Network:    network.Val(),
		FirstSeen:  first,
		LastSeen:   s.SeenAt.UTC(),
		HitCount:   hits.Val(),
		LastValid:  s.IsValid,
		LastErrors: s.Errors,
	}, nil
}

// recordPatternScript upserts a raw pattern. last_seen and the sorted-set
// score only move forward, so a late write of an older sighting is counted
// without rewinding the pattern.
var recordPatternScript = redis.NewScript(`
local key, zkey, ckey = KEYS[1], KEYS[2], KEYS[3]
local ms = tonumber(ARGV[2])
redis.call('HSETNX', key, 'first_seen', ARGV[3])
local count = redis.call('HINCRBY', key, 'occurrence_count', 1)
redis.call('HSET', key, 'classification', ARGV[4], 'features', ARGV[5])
local prev = tonumber(redis.call('HGET', key, 'last_seen_ms'))
if prev == nil or ms > prev then
	redis.call('HSET', key, 'last_seen_ms', ARGV[2], 'last_seen', ARGV[3])
end
redis.call('ZADD', zkey, 'GT', ARGV[2], ARGV[1])
if ARGV[6] ~= '' then
	redis.call('SADD', ckey, ARGV[6])
end
return {count, redis.call('HGET', key, 'first_seen'), redis.call('HGET', key, 'last_seen')}
`)

func (r *Redis) RecordPattern(ctx context.Context, s PatternSighting) (BehavioralPattern, error) {
	keys := []string{r.patternKey(s.Hash), r.lastSeenKey(), r.contextsKey(s.Hash)}
	res, err := recordPatternScript.Run(ctx, r.client, keys,
		s.Hash,
		s.SeenAt.UnixMilli(),
		formatTime(s.SeenAt),
		s.Class,
		string(s.Features),
		s.ContextHash,
	).Slice()
	if err != nil {
		return BehavioralPattern{}, fmt.Errorf("record pattern: %w", err)
	}
	if len(res) != 3 {
		return BehavioralPattern{}, fmt.Errorf("record pattern: unexpected reply %v", res)
	}

	count, _ := res[0].(int64)
	firstRaw, _ := res[1].(string)
	lastRaw, _ := res[2].(string)
	first, err := parseTime(firstRaw)
	if err != nil {
		return BehavioralPattern{}, fmt.Errorf("decode first_seen: %w", err)
	}
	last, err := parseTime(lastRaw)
	if err != nil {
		return BehavioralPattern{}, fmt.Errorf("decode last_seen: %w", err)
	}
	return BehavioralPattern{
		Hash:            s.Hash,
		Class:           s.Class,
		Features:        s.Features,
		OccurrenceCount: count,
		FirstSeen:       first,
		LastSeen:        last,
	}, nil
}

func (r *Redis) RecentPatterns(ctx context.Context, since time.Time, minOccurrences int64) ([]BehavioralPattern, error) {
	hashes, err := r.client.ZRangeByScore(ctx, r.lastSeenKey(), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("query recent patterns: %w", err)
	}
	if len(hashes) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(hashes))
	_, err = r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, h := range hashes {
			cmds[i] = p.HGetAll(ctx, r.patternKey(h))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load patterns: %w", err)
	}

	out := make([]BehavioralPattern, 0, len(hashes))
	for i, h := range hashes {
		bp, err := decodePattern(h, cmds[i].Val())
		if err != nil {
			return nil, err
		}
		if bp.OccurrenceCount >= minOccurrences {
			out = append(out, bp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out, nil
}

func decodePattern(hash string, fields map[string]string) (BehavioralPattern, error) {
	bp := BehavioralPattern{Hash: hash, Class: fields["classification"]}
	if f := fields["features"]; f != "" {
		bp.Features = json.RawMessage(f)
	}
	n, err := strconv.ParseInt(fields["occurrence_count"], 10, 64)
	if err != nil {
		return BehavioralPattern{}, fmt.Errorf("decode pattern %s: %w", hash, err)
	}
	bp.OccurrenceCount = n
	if bp.FirstSeen, err = parseTime(fields["first_seen"]); err != nil {
		return BehavioralPattern{}, fmt.Errorf("decode pattern %s: %w", hash, err)
	}
	if bp.LastSeen, err = parseTime(fields["last_seen"]); err != nil {
		return BehavioralPattern{}, fmt.Errorf("decode pattern %s: %w", hash, err)
	}
	return bp, nil
}

func (r *Redis) PatternContexts(ctx context.Context, hash string) ([]string, error) {
	out, err := r.client.SMembers(ctx, r.contextsKey(hash)).Result()
	if err != nil {
		return nil, fmt.Errorf("query pattern contexts: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

func (r *Redis) PruneRawPatterns(ctx context.Context, before time.Time) (int64, error) {
	hashes, err := r.client.ZRangeByScore(ctx, r.lastSeenKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("query stale patterns: %w", err)
	}
	if len(hashes) == 0 {
		return 0, nil
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, h := range hashes {
			p.Del(ctx, r.patternKey(h), r.contextsKey(h))
			p.ZRem(ctx, r.lastSeenKey(), h)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune patterns: %w", err)
	}
	return int64(len(hashes)), nil
}
