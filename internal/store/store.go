// Package store provides the durable key-value and poll record storage.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"courtbot/internal/models"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("not found")

// Well-known keys.
const (
	PollKeyPrefix = "POLL_"
	PullOffsetKey = "PULL_OFFSET"
	EmailPrefix   = "EMAIL_"
)

// KV is a flat string key-value store with last-writer-wins semantics.
// Delete of a missing key is not an error.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// PollKey returns the record key of a poll message.
func PollKey(pollMessageID int) string {
	return PollKeyPrefix + strconv.Itoa(pollMessageID)
}

// Activities stores scheduled activities as JSON values in a KV, one key per poll message.
type Activities struct {
	kv KV
}

// NewActivities wraps kv as a poll record store.
func NewActivities(kv KV) *Activities {
	return &Activities{kv: kv}
}

func (a *Activities) Put(ctx context.Context, pollMessageID int, act *models.ScheduledActivity) error {
	data, err := json.Marshal(act)
	if err != nil {
		return fmt.Errorf("failed to marshal activity: %w", err)
	}
	return a.kv.Set(ctx, PollKey(pollMessageID), string(data))
}

// List returns every stored record. Records that cannot be decoded are
// returned with Err set rather than failing the whole listing.
func (a *Activities) List(ctx context.Context) ([]models.ActivityRecord, error) {
	keys, err := a.kv.Keys(ctx, PollKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list poll records: %w", err)
	}
	sort.Strings(keys)

	records := make([]models.ActivityRecord, 0, len(keys))
	for _, key := range keys {
		rec := models.ActivityRecord{Key: key}
		id, err := strconv.Atoi(strings.TrimPrefix(key, PollKeyPrefix))
		if err != nil {
			rec.Err = fmt.Errorf("invalid poll message id in key %q", key)
			records = append(records, rec)
			continue
		}
		rec.PollMessageID = id

		raw, err := a.kv.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			// Deleted between Keys and Get.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read poll record %s: %w", key, err)
		}
		var act models.ScheduledActivity
		if err := json.Unmarshal([]byte(raw), &act); err != nil {
			rec.Err = fmt.Errorf("failed to decode poll record %s: %w", key, err)
		} else if err := act.Validate(); err != nil {
			rec.Err = fmt.Errorf("invalid poll record %s: %w", key, err)
		} else {
			rec.Activity = &act
		}
		records = append(records, rec)
	}
	return records, nil
}

func (a *Activities) Delete(ctx context.Context, key string) error {
	return a.kv.Delete(ctx, key)
}

// Memory is an in-process KV used by tests and the "memory" store backend.
type Memory struct {
	mu   sync.Mutex
	data map[string]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
