package dedup

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Memory is a process-lifetime claim store backed by a mutex-guarded set.
type Memory struct {
	mu      sync.Mutex
	claimed map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{claimed: make(map[string]struct{})}
}

func (m *Memory) Claim(ctx context.Context, key string) (bool, error) {
	if m == nil {
		return false, fmt.Errorf("memory store is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return false, fmt.Errorf("claim key is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.claimed[key]; ok {
		return false, nil
	}
	m.claimed[key] = struct{}{}
	return true, nil
}

func (m *Memory) Close() error {
	return nil
}
