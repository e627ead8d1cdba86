package cache

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Memory is an in-process KV for tests and single-instance deployments.
type Memory struct {
	items *ttlcache.Cache[string, []byte]
}

var _ KV = (*Memory)(nil)

// NewMemory creates an in-process cache. The background expiry loop runs
// until Stop is called.
func NewMemory() *Memory {
	items := ttlcache.New[string, []byte]()
	go items.Start()
	return &Memory{items: items}
}

// Stop halts the background expiry loop.
func (m *Memory) Stop() {
	m.items.Stop()
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	item := m.items.Get(key)
	if item == nil {
		return nil, false, nil
	}
	return item.Value(), true, nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = ttlcache.NoTTL
	}
	m.items.Set(key, value, ttl)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.items.Delete(key)
	return nil
}
