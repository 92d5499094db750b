package deploywatch

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cryptodevhq/syncengine/internal/syncengine"
)

type recordingBumper struct {
	mu    sync.Mutex
	tiers []syncengine.TierID
}

func (b *recordingBumper) BumpTier(tier syncengine.TierID) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tiers = append(b.tiers, tier)
	return 2, nil
}

func (b *recordingBumper) bumped() []syncengine.TierID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]syncengine.TierID(nil), b.tiers...)
}

func TestWatcherBumpsOnMarkerRewrite(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "BUILD_ID")
	bumper := &recordingBumper{}
	watcher, err := New(marker, bumper, Options{Settle: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("new watcher failed: %v", err)
	}
	defer watcher.Close()

	if err := os.WriteFile(marker, []byte("build-42"), 0o644); err != nil {
		t.Fatalf("write marker failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(bumper.bumped()) >= len(deployTiers) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	bumped := bumper.bumped()
	if len(bumped) != len(deployTiers) {
		t.Fatalf("expected %d bumped tiers, got %v", len(deployTiers), bumped)
	}
	seen := map[syncengine.TierID]bool{}
	for _, tier := range bumped {
		seen[tier] = true
	}
	for _, tier := range deployTiers {
		if !seen[tier] {
			t.Fatalf("expected %s bumped, got %v", tier, bumped)
		}
	}
}

func TestWatcherCollapsesBursts(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "BUILD_ID")
	bumper := &recordingBumper{}
	watcher, err := New(marker, bumper, Options{Settle: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("new watcher failed: %v", err)
	}
	defer watcher.Close()

	for i := 0; i < 3; i++ {
		if err := os.WriteFile(marker, []byte("build"), 0o644); err != nil {
			t.Fatalf("write marker failed: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(bumper.bumped()) >= len(deployTiers) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	// One settled bump for the whole burst.
	if got := len(bumper.bumped()); got != len(deployTiers) {
		t.Fatalf("expected a single settled bump of %d tiers, got %d", len(deployTiers), got)
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "BUILD_ID")
	bumper := &recordingBumper{}
	watcher, err := New(marker, bumper, Options{Settle: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("new watcher failed: %v", err)
	}
	defer watcher.Close()

	if err := os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if got := bumper.bumped(); len(got) != 0 {
		t.Fatalf("expected no bumps for unrelated files, got %v", got)
	}
}

func TestWatcherRejectsMissingInput(t *testing.T) {
	if _, err := New("", &recordingBumper{}, Options{}); err == nil {
		t.Fatalf("expected an empty marker path rejected")
	}
	if _, err := New("/tmp/marker", nil, Options{}); err == nil {
		t.Fatalf("expected a nil bumper rejected")
	}
}
