package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

const (
	videoPrefix = "videos/"
	IndexKey    = "_cache/gallery.json"
)

// VideoRecord is the metadata kept next to every published video.
type VideoRecord struct {
	ID           string    `json:"id"`
	JobID        string    `json:"jobId,omitempty"`
	Title        string    `json:"title"`
	Script       string    `json:"script"`
	Duration     float64   `json:"duration"`
	OriginalURL  string    `json:"originalUrl"`
	CreatedAt    time.Time `json:"createdAt"`
	PublicURL    string    `json:"publicUrl"`
	ThumbnailURL string    `json:"thumbnailUrl"`
}

// Gallery is the aggregate listing served to the web gallery.
type Gallery struct {
	Videos []VideoRecord `json:"videos"`
}

// NewVideoID returns the short id used in object keys.
func NewVideoID() string { return uuid.New().String()[:8] }

func OriginalKey(id string) string { return videoPrefix + id + "_original.mp4" }
func VideoKey(id string) string    { return videoPrefix + id + ".mp4" }
func ThumbKey(id string) string    { return videoPrefix + id + "_thumb.webp" }
func RecordKey(id string) string   { return videoPrefix + id + ".json" }

// Archive lays videos out in the bucket and maintains the gallery index.
type Archive struct {
	objects    Objects
	publicBase string
	fetchLimit int
}

func NewArchive(objects Objects, publicBase string) *Archive {
	return &Archive{
		objects:    objects,
		publicBase: strings.TrimRight(publicBase, "/"),
		fetchLimit: 4,
	}
}

func (a *Archive) Put(ctx context.Context, key string, data []byte, contentType string) error {
	return a.objects.Put(ctx, key, data, contentType)
}

func (a *Archive) Remove(ctx context.Context, key string) error {
	return a.objects.Remove(ctx, key)
}

// PublicURL is where key is served from. Without a public base the bare key
// is returned.
func (a *Archive) PublicURL(key string) string {
	if a.publicBase == "" {
		return key
	}
	return a.publicBase + "/" + key
}

func (a *Archive) PutRecord(ctx context.Context, rec VideoRecord) error {
	if rec.ID == "" {
		return errors.New("record has no id")
	}
	body, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return a.objects.Put(ctx, RecordKey(rec.ID), body, "application/json")
}

func (a *Archive) Record(ctx context.Context, id string) (VideoRecord, error) {
	var rec VideoRecord
	body, err := a.objects.Get(ctx, RecordKey(id))
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(body, &rec); err != nil {
		return rec, fmt.Errorf("decode record %s: %w", id, err)
	}
	return rec, nil
}

// Get reads one object, typically a stored video.
func (a *Archive) Get(ctx context.Context, key string) ([]byte, error) {
	return a.objects.Get(ctx, key)
}

// Records reads every stored record, newest first. Unreadable records are
// skipped.
func (a *Archive) Records(ctx context.Context) ([]VideoRecord, error) {
	keys, err := a.objects.List(ctx, videoPrefix)
	if err != nil {
		return nil, err
	}
	keys = lo.Filter(keys, func(k string, _ int) bool { return strings.HasSuffix(k, ".json") })

	records := make([]*VideoRecord, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.fetchLimit)
	for i, key := range keys {
		g.Go(func() error {
			body, err := a.objects.Get(gctx, key)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			var rec VideoRecord
			if err := json.Unmarshal(body, &rec); err != nil {
				log.Warn().Err(err).Str("key", key).Msg("skipping unreadable record")
				return nil
			}
			records[i] = &rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}

	out := lo.FilterMap(records, func(r *VideoRecord, _ int) (VideoRecord, bool) {
		if r == nil {
			return VideoRecord{}, false
		}
		return *r, true
	})
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// RebuildIndex rewrites the gallery index from the stored records. It
// returns the number of videos listed.
func (a *Archive) RebuildIndex(ctx context.Context) (int, error) {
	records, err := a.Records(ctx)
	if err != nil {
		return 0, err
	}
	body, err := json.Marshal(Gallery{Videos: records})
	if err != nil {
		return 0, fmt.Errorf("marshal gallery: %w", err)
	}
	if err := a.objects.Put(ctx, IndexKey, body, "application/json"); err != nil {
		return 0, err
	}
	log.Info().Int("videos", len(records)).Msg("gallery index rebuilt")
	return len(records), nil
}

// Index returns the stored gallery index. A missing index reads as empty.
func (a *Archive) Index(ctx context.Context) ([]byte, error) {
	body, err := a.objects.Get(ctx, IndexKey)
	if errors.Is(err, ErrNotFound) {
		return []byte(`{"videos":[]}`), nil
	}
	return body, err
}
