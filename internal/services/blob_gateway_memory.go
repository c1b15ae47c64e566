package services

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"
)

// MemoryBlobGateway keeps blobs in process memory. It backs mock mode and tests.
type MemoryBlobGateway struct {
	mu       sync.Mutex
	blobs    map[Area]map[string][]byte
	failures map[string]error
	now      func() time.Time
}

func NewMemoryBlobGateway() *MemoryBlobGateway {
	return &MemoryBlobGateway{
		blobs: map[Area]map[string][]byte{
			AreaQuarantine: {},
			AreaVault:      {},
		},
		failures: map[string]error{},
		now:      time.Now,
	}
}

// FailNext makes the next call of op ("upload", "move", "move-delete", "delete")
// against area/key return err.
func (m *MemoryBlobGateway) FailNext(op string, area Area, key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[failureKey(op, area, key)] = err
}

func failureKey(op string, area Area, key string) string {
	return op + "|" + string(area) + "|" + key
}

// takeFailure must be called with mu held.
func (m *MemoryBlobGateway) takeFailure(op string, area Area, key string) error {
	k := failureKey(op, area, key)
	err, ok := m.failures[k]
	if !ok {
		return nil
	}
	delete(m.failures, k)
	return err
}

func (m *MemoryBlobGateway) area(area Area) (map[string][]byte, error) {
	objects, ok := m.blobs[area]
	if !ok {
		return nil, fmt.Errorf("unknown storage area %q", area)
	}
	return objects, nil
}

func (m *MemoryBlobGateway) Upload(ctx context.Context, area Area, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	objects, err := m.area(area)
	if err != nil {
		return err
	}
	if err := m.takeFailure("upload", area, key); err != nil {
		return err
	}
	if _, ok := objects[key]; ok {
		return fmt.Errorf("upload %s/%s: %w", area, key, ErrObjectExists)
	}
	objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryBlobGateway) Move(ctx context.Context, srcArea Area, srcKey string, dstArea Area, dstKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	src, err := m.area(srcArea)
	if err != nil {
		return err
	}
	dst, err := m.area(dstArea)
	if err != nil {
		return err
	}
	if err := m.takeFailure("move", srcArea, srcKey); err != nil {
		return err
	}
	data, ok := src[srcKey]
	if !ok {
		return fmt.Errorf("move %s/%s: %w", srcArea, srcKey, ErrObjectNotFound)
	}
	if _, exists := dst[dstKey]; !exists {
		dst[dstKey] = data
	}
	if err := m.takeFailure("move-delete", srcArea, srcKey); err != nil {
		return fmt.Errorf("move %s/%s: source delete after copy: %w: %w", srcArea, srcKey, ErrIntegrity, err)
	}
	delete(src, srcKey)
	return nil
}

func (m *MemoryBlobGateway) Delete(ctx context.Context, area Area, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	objects, err := m.area(area)
	if err != nil {
		return err
	}
	if err := m.takeFailure("delete", area, key); err != nil {
		return err
	}
	delete(objects, key)
	return nil
}

func (m *MemoryBlobGateway) Exists(ctx context.Context, area Area, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	objects, err := m.area(area)
	if err != nil {
		return false, err
	}
	_, ok := objects[key]
	return ok, nil
}

func (m *MemoryBlobGateway) SignedReadURL(ctx context.Context, area Area, key string, ttl time.Duration) (string, error) {
	ttl, err := normalizeTTL(ttl)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	objects, err := m.area(area)
	if err != nil {
		return "", err
	}
	if _, ok := objects[key]; !ok {
		return "", fmt.Errorf("sign %s/%s: %w", area, key, ErrObjectNotFound)
	}
	u := url.URL{
		Scheme:   "https",
		Host:     "storage.mock.local",
		Path:     "/" + string(area) + "/" + key,
		RawQuery: url.Values{"expires": {fmt.Sprint(m.now().Add(ttl).Unix())}}.Encode(),
	}
	return u.String(), nil
}

func (m *MemoryBlobGateway) URI(area Area, key string) string {
	return fmt.Sprintf("mem://%s/%s", area, key)
}

// Keys returns the sorted keys currently stored in area.
func (m *MemoryBlobGateway) Keys(area Area) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.blobs[area]))
	for k := range m.blobs[area] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Object returns a copy of a stored blob.
func (m *MemoryBlobGateway) Object(area Area, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[area][key]
	return append([]byte(nil), data...), ok
}
