// Package ledger records job lifecycle in Redis so the bot and the HTTP API
// can show what happened to recent submissions, and meters per-user quota.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
)

const (
	keyRecent  = "dub:jobs"
	keepRecent = 100
	entryTTL   = 7 * 24 * time.Hour

	maxReasonRunes = 1024
)

type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

type Entry struct {
	ID        string    `json:"id"`
	SourceURL string    `json:"sourceUrl"`
	ChatID    int64     `json:"chatId"`
	Status    Status    `json:"status"`
	Stage     string    `json:"stage,omitempty"`
	Error     string    `json:"error,omitempty"`
	PublicURL string    `json:"publicUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Ledger struct {
	rdb *redis.Client
	now func() time.Time
}

func New(rdb *redis.Client) *Ledger {
	return &Ledger{rdb: rdb, now: time.Now}
}

func keyJob(id string) string { return "dub:job:" + id }
func keyQuota(user int64, ymd string) string {
	return fmt.Sprintf("dub:quota:%d:%s", user, ymd)
}

/* ---------------------- lifecycle ---------------------- */

func (l *Ledger) Queued(ctx context.Context, id, sourceURL string, chatID int64) error {
	now := l.now().UTC()
	pipe := l.rdb.TxPipeline()
	pipe.HSet(ctx, keyJob(id), map[string]interface{}{
		"id":         id,
		"source_url": sourceURL,
		"chat_id":    chatID,
		"status":     string(StatusQueued),
		"created_at": now.Format(time.RFC3339Nano),
		"updated_at": now.Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, keyJob(id), entryTTL)
	pipe.ZAdd(ctx, keyRecent, redis.Z{Score: float64(now.UnixMilli()), Member: id})
	pipe.ZRemRangeByRank(ctx, keyRecent, 0, -keepRecent-1)
	_, err := pipe.Exec(ctx)
	return err
}

func (l *Ledger) Started(ctx context.Context, id string) error {
	return l.mark(ctx, id, map[string]interface{}{"status": string(StatusRunning)})
}

func (l *Ledger) Stage(ctx context.Context, id, stage string) error {
	return l.mark(ctx, id, map[string]interface{}{"stage": stage})
}

func (l *Ledger) Finished(ctx context.Context, id, publicURL string) error {
	return l.mark(ctx, id, map[string]interface{}{"status": string(StatusDone), "public_url": publicURL, "stage": ""})
}

func (l *Ledger) Failed(ctx context.Context, id, reason string) error {
	if r := []rune(reason); len(r) > maxReasonRunes {
		reason = string(r[:maxReasonRunes])
	}
	return l.mark(ctx, id, map[string]interface{}{"status": string(StatusFailed), "error": reason})
}

func (l *Ledger) mark(ctx context.Context, id string, fields map[string]interface{}) error {
	fields["updated_at"] = l.now().UTC().Format(time.RFC3339Nano)
	return l.rdb.HSet(ctx, keyJob(id), fields).Err()
}

/* ---------------------- reads ---------------------- */

func (l *Ledger) Get(ctx context.Context, id string) (Entry, error) {
	m, err := l.rdb.HGetAll(ctx, keyJob(id)).Result()
	if err != nil {
		return Entry{}, err
	}
	if len(m) == 0 {
		return Entry{}, redis.Nil
	}
	return entryFromHash(m), nil
}

// Recent returns up to n entries, newest first. Expired entries are skipped.
func (l *Ledger) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		n = 10
	}
	ids, err := l.rdb.ZRevRange(ctx, keyRecent, 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	pipe := l.rdb.Pipeline()
	cmds := lo.Map(ids, func(id string, _ int) *redis.MapStringStringCmd {
		return pipe.HGetAll(ctx, keyJob(id))
	})
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return lo.FilterMap(cmds, func(c *redis.MapStringStringCmd, _ int) (Entry, bool) {
		m := c.Val()
		if len(m) == 0 {
			return Entry{}, false
		}
		return entryFromHash(m), true
	}), nil
}

func entryFromHash(m map[string]string) Entry {
	chatID, _ := strconv.ParseInt(m["chat_id"], 10, 64)
	created, _ := time.Parse(time.RFC3339Nano, m["created_at"])
	updated, _ := time.Parse(time.RFC3339Nano, m["updated_at"])
	return Entry{
		ID:        m["id"],
		SourceURL: m["source_url"],
		ChatID:    chatID,
		Status:    Status(m["status"]),
		Stage:     m["stage"],
		Error:     m["error"],
		PublicURL: m["public_url"],
		CreatedAt: created,
		UpdatedAt: updated,
	}
}

/* ---------------------- quota ---------------------- */

// Remaining is how many submissions user has left today out of limit. It is
// advisory; Charge is what counts.
func (l *Ledger) Remaining(ctx context.Context, user int64, limit int) int {
	used, _ := l.rdb.Get(ctx, keyQuota(user, l.today())).Int()
	return max(limit-max(used, 0), 0)
}

// Charge books one submission for user and reports whether it fit under
// limit. A rejected charge is rolled back. limit <= 0 means unmetered.
func (l *Ledger) Charge(ctx context.Context, user int64, limit int) (bool, error) {
	key := keyQuota(user, l.today())
	used, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if used == 1 {
		_ = l.rdb.Expire(ctx, key, l.untilMidnight()).Err()
	}
	if limit > 0 && used > int64(limit) {
		_ = l.rdb.Decr(ctx, key).Err()
		return false, nil
	}
	return true, nil
}

// Refund gives back a charge whose submission never reached the queue.
func (l *Ledger) Refund(ctx context.Context, user int64) error {
	key := keyQuota(user, l.today())
	n, err := l.rdb.Decr(ctx, key).Result()
	if err != nil {
		return err
	}
	if n < 0 {
		return l.rdb.Set(ctx, key, 0, l.untilMidnight()).Err()
	}
	return nil
}

func (l *Ledger) today() string { return l.now().Format("20060102") }

func (l *Ledger) untilMidnight() time.Duration {
	now := l.now()
	tom := now.Add(24 * time.Hour)
	mid := time.Date(tom.Year(), tom.Month(), tom.Day(), 0, 0, 0, 0, now.Location())
	return mid.Sub(now)
}
