package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"
)

// Publisher uploads generated media and returns a public, cache-busted URL.
type Publisher struct {
	store  ObjectStorage
	prefix string
	now    func() time.Time
}

// NewPublisher creates a publisher writing under prefix.
func NewPublisher(store ObjectStorage, prefix string) *Publisher {
	return &Publisher{store: store, prefix: prefix, now: time.Now}
}

// Publish uploads data and returns its public URL. The URL carries a
// ?v=<unix ms> suffix so CDNs never serve a stale copy after a re-upload.
func (p *Publisher) Publish(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	key := name
	if p.prefix != "" {
		key = p.prefix + "/" + name
	}
	if err := p.store.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return "", fmt.Errorf("failed to publish %s: %w", key, err)
	}
	return fmt.Sprintf("%s?v=%d", p.store.GetURL(key), p.now().UnixMilli()), nil
}
