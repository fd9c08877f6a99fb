package artifact

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store for development and tests. Presigned
// URLs use a memory:// scheme and grant nothing; they exist so code
// paths that hand out URLs keep working without object storage.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memObject
}

type memObject struct {
	data        []byte
	contentType string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string]memObject)}
}

func (m *Memory) Put(_ context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{
		data:        append([]byte(nil), data...),
		contentType: contentType,
	}
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), obj.data...), nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// PresignGet does not check existence, matching S3 presigning, which
// signs a request without touching the object.
func (m *Memory) PresignGet(_ context.Context, key string, expiry time.Duration, downloadName string) (string, error) {
	if expiry <= 0 {
		expiry = DefaultPresignExpiry
	}
	q := make(url.Values)
	q.Set("expires", strconv.Itoa(int(expiry.Seconds())))
	if downloadName != "" {
		q.Set("filename", downloadName)
	}
	u := url.URL{Scheme: "memory", Path: "/" + key, RawQuery: q.Encode()}
	return u.String(), nil
}

func (m *Memory) Size(_ context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return 0, ErrNotFound
	}
	return int64(len(obj.data)), nil
}

func (m *Memory) TotalSize(_ context.Context, prefix string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for key, obj := range m.objects {
		if strings.HasPrefix(key, prefix) {
			total += int64(len(obj.data))
		}
	}
	return total, nil
}
