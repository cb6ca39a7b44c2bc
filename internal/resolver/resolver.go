// Package resolver turns the links users send into URLs the downloader can
// fetch directly, and downloads them.
package resolver

import (
	"context"
	"errors"
)

var (
	// ErrNotFound means the source page exists but carries no video.
	ErrNotFound = errors.New("no video found at link")
	// ErrNotVideo means the download returned something other than media,
	// usually an HTML login or error page.
	ErrNotVideo = errors.New("link expired or requires login")
)

// Resolver maps one kind of link to a direct media URL.
type Resolver interface {
	Matches(link string) bool
	Resolve(ctx context.Context, link string) (string, error)
}

// Chain tries resolvers in order and uses the first that matches.
type Chain []Resolver

func (c Chain) Matches(link string) bool {
	for _, r := range c {
		if r.Matches(link) {
			return true
		}
	}
	return false
}

// Resolve returns link unchanged when no resolver claims it.
func (c Chain) Resolve(ctx context.Context, link string) (string, error) {
	for _, r := range c {
		if r.Matches(link) {
			return r.Resolve(ctx, link)
		}
	}
	return link, nil
}
