package syncengine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// TierID names one independently-versioned cache partition.
type TierID string

const (
	TierStatic  TierID = "static"
	TierDynamic TierID = "dynamic"
	TierAPI     TierID = "api"
	TierLesson  TierID = "lesson"
	TierImage   TierID = "image"
)

var allTiers = []TierID{TierStatic, TierDynamic, TierAPI, TierLesson, TierImage}

func knownTier(tier TierID) bool {
	for _, t := range allTiers {
		if t == tier {
			return true
		}
	}
	return false
}

type CacheEntry struct {
	Key      string    `json:"key"`
	Payload  []byte    `json:"payload"`
	StoredAt time.Time `json:"storedAt"`
	Tier     TierID    `json:"tier"`
}

type CacheInfo struct {
	Tier       TierID     `json:"tier"`
	Version    int        `json:"version"`
	Entries    int        `json:"entries"`
	TotalBytes int64      `json:"totalBytes"`
	OldestAt   *time.Time `json:"oldestAt,omitempty"`
}

const cacheVersionsKey = "cache:versions"

// CacheManager owns the tier partitions on top of the LocalStore. It is
// constructed once at startup and passed by reference; every read and write
// goes through its methods. Partition names embed the tier version, so
// bumping a version atomically orphans every entry in the old partition.
type CacheManager struct {
	store    LocalStore
	mu       sync.RWMutex
	versions map[TierID]int
}

func NewCacheManager(store LocalStore) (*CacheManager, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	m := &CacheManager{store: store, versions: map[TierID]int{}}
	for _, tier := range allTiers {
		m.versions[tier] = 1
	}
	data, ok, err := store.Get(cacheVersionsKey)
	if err != nil {
		return nil, err
	}
	if ok {
		stored := map[TierID]int{}
		if err := json.Unmarshal(data, &stored); err != nil {
			return nil, err
		}
		for tier, version := range stored {
			if version > 0 {
				m.versions[tier] = version
			}
		}
	}
	return m, nil
}

func (m *CacheManager) partitionPrefix(tier TierID) string {
	m.mu.RLock()
	version := m.versions[tier]
	m.mu.RUnlock()
	return "cache:" + string(tier) + ":v" + strconv.Itoa(version) + ":"
}

// Put stores an entry, evicting any previous entry for the same key in the
// same tier (the store's put-overwrites semantics are the eviction).
func (m *CacheManager) Put(tier TierID, key string, payload []byte) error {
	if !knownTier(tier) || strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	entry := CacheEntry{
		Key:      key,
		Payload:  payload,
		StoredAt: time.Now().UTC(),
		Tier:     tier,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return m.store.Put(m.partitionPrefix(tier)+key, data)
}

func (m *CacheManager) Get(tier TierID, key string) (CacheEntry, bool, error) {
	if !knownTier(tier) {
		return CacheEntry{}, false, ErrInvalidInput
	}
	data, ok, err := m.store.Get(m.partitionPrefix(tier) + key)
	if err != nil || !ok {
		return CacheEntry{}, false, err
	}
	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return CacheEntry{}, false, err
	}
	return entry, true, nil
}

func (m *CacheManager) Delete(tier TierID, key string) error {
	if !knownTier(tier) {
		return ErrInvalidInput
	}
	return m.store.Delete(m.partitionPrefix(tier) + key)
}

// BumpVersion invalidates every entry in the tier at once by moving the
// partition, then purges the orphaned entries best-effort. Invoked on deploy.
func (m *CacheManager) BumpVersion(tier TierID) (int, error) {
	if !knownTier(tier) {
		return 0, ErrInvalidInput
	}
	m.mu.Lock()
	oldVersion := m.versions[tier]
	m.versions[tier] = oldVersion + 1
	snapshot := make(map[TierID]int, len(m.versions))
	for t, v := range m.versions {
		snapshot[t] = v
	}
	m.mu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return 0, err
	}
	if err := m.store.Put(cacheVersionsKey, data); err != nil {
		m.mu.Lock()
		m.versions[tier] = oldVersion
		m.mu.Unlock()
		return 0, err
	}

	// Old partition is unreachable now; reclaiming it can fail without
	// affecting correctness.
	orphanPrefix := "cache:" + string(tier) + ":v" + strconv.Itoa(oldVersion) + ":"
	if orphans, err := m.store.ListByPrefix(orphanPrefix); err == nil {
		for _, orphan := range orphans {
			_ = m.store.Delete(orphan.Key)
		}
	}
	return oldVersion + 1, nil
}

func (m *CacheManager) Version(tier TierID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.versions[tier]
}

// WarmLessons bulk-loads lesson content so it is readable offline before the
// user ever opens it.
func (m *CacheManager) WarmLessons(lessons map[string][]byte) (int, error) {
	warmed := 0
	for lessonID, content := range lessons {
		if strings.TrimSpace(lessonID) == "" {
			continue
		}
		if err := m.Put(TierLesson, lessonID, content); err != nil {
			return warmed, err
		}
		warmed++
	}
	return warmed, nil
}

func (m *CacheManager) Info(tier TierID) (CacheInfo, error) {
	if !knownTier(tier) {
		return CacheInfo{}, ErrInvalidInput
	}
	entries, err := m.store.ListByPrefix(m.partitionPrefix(tier))
	if err != nil {
		return CacheInfo{}, err
	}
	info := CacheInfo{Tier: tier, Version: m.Version(tier), Entries: len(entries)}
	for _, stored := range entries {
		var entry CacheEntry
		if err := json.Unmarshal(stored.Payload, &entry); err != nil {
			continue
		}
		info.TotalBytes += int64(len(entry.Payload))
		if info.OldestAt == nil || entry.StoredAt.Before(*info.OldestAt) {
			storedAt := entry.StoredAt
			info.OldestAt = &storedAt
		}
	}
	return info, nil
}

// PurgeOlderThan drops entries stored before the cutoff and returns how many
// were removed.
func (m *CacheManager) PurgeOlderThan(tier TierID, maxAge time.Duration) (int, error) {
	if !knownTier(tier) || maxAge < 0 {
		return 0, ErrInvalidInput
	}
	cutoff := time.Now().UTC().Add(-maxAge)
	entries, err := m.store.ListByPrefix(m.partitionPrefix(tier))
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, stored := range entries {
		var entry CacheEntry
		if err := json.Unmarshal(stored.Payload, &entry); err != nil {
			continue
		}
		if entry.StoredAt.Before(cutoff) {
			if err := m.store.Delete(stored.Key); err != nil {
				return purged, err
			}
			purged++
		}
	}
	return purged, nil
}

func (m *CacheManager) String() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	parts := make([]string, 0, len(allTiers))
	for _, tier := range allTiers {
		parts = append(parts, fmt.Sprintf("%s=v%d", tier, m.versions[tier]))
	}
	return strings.Join(parts, " ")
}
