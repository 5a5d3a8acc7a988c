package storage

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"
)

func TestDetectStorageType(t *testing.T) {
	tests := []struct {
		endpoint string
		want     StorageType
	}{
		{"https://abc123.r2.cloudflarestorage.com", StorageTypeR2},
		{"s3.us-west-2.amazonaws.com", StorageTypeS3},
		{"localhost:9000", StorageTypeS3Compatible},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			if got := detectStorageType(tt.endpoint); got != tt.want {
				t.Errorf("detectStorageType(%q) = %s, want %s", tt.endpoint, got, tt.want)
			}
		})
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://abc.r2.cloudflarestorage.com/bucket", "abc.r2.cloudflarestorage.com"},
		{"http://localhost:9000/", "localhost:9000"},
		{"localhost:9000", "localhost:9000"},
	}
	for _, tt := range tests {
		if got := normalizeEndpoint(tt.in); got != tt.want {
			t.Errorf("normalizeEndpoint(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestGetURL(t *testing.T) {
	withPublic := &S3Storage{publicURL: "https://pub.example.dev", bucket: "media"}
	if got := withPublic.GetURL("audio/s001.mp3"); got != "https://pub.example.dev/audio/s001.mp3" {
		t.Errorf("unexpected public URL %s", got)
	}
	pathStyle := &S3Storage{endpoint: "localhost:9000", bucket: "media"}
	if got := pathStyle.GetURL("a.mp3"); got != "http://localhost:9000/media/a.mp3" {
		t.Errorf("unexpected path-style URL %s", got)
	}
}

type memoryStorage struct {
	objects map[string][]byte
	types   map[string]string
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memoryStorage) Upload(_ context.Context, key string, r io.Reader, _ int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.objects[key] = data
	m.types[key] = contentType
	return nil
}

func (m *memoryStorage) Download(_ context.Context, key string) (io.ReadCloser, error) {
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryStorage) GetURL(key string) string { return "https://cdn.test/" + key }

func (m *memoryStorage) Exists(_ context.Context, key string) (bool, error) {
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memoryStorage) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func TestPublisherPublish(t *testing.T) {
	store := newMemoryStorage()
	p := NewPublisher(store, "voiceovers")
	p.now = func() time.Time { return time.UnixMilli(1700000000123) }

	url, err := p.Publish(context.Background(), "job1/s001.mp3", []byte("mp3"), "audio/mpeg")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if url != "https://cdn.test/voiceovers/job1/s001.mp3?v=1700000000123" {
		t.Errorf("unexpected url %s", url)
	}
	if string(store.objects["voiceovers/job1/s001.mp3"]) != "mp3" {
		t.Error("expected object to be uploaded under prefix")
	}
	if store.types["voiceovers/job1/s001.mp3"] != "audio/mpeg" {
		t.Error("expected content type to be kept")
	}
}
