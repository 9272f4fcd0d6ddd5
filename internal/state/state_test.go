package state

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/pilesync/pilesync/internal/testutil"
)

func setupManager(t *testing.T) (*Manager, *testutil.StubClock) {
	t.Helper()
	clk := testutil.FixedClock()
	return NewManager(testutil.NewPile(t), clk), clk
}

// TestLoad_Missing tests that a pile without a checkpoint file yields an empty checkpoint
func TestLoad_Missing(t *testing.T) {
	m, _ := setupManager(t)

	cp, err := m.Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cp.Linked || !cp.Empty() {
		t.Errorf("Load() = %+v, want empty checkpoint", cp)
	}
	if _, err := m.Linked(); !errors.Is(err, ErrNotLinked) {
		t.Errorf("Linked() error = %v, want ErrNotLinked", err)
	}
}

func TestLink(t *testing.T) {
	m, _ := setupManager(t)

	cp, err := m.Link("remote-1")
	if err != nil {
		t.Fatalf("Link() failed: %v", err)
	}
	if !cp.Linked || cp.RemotePileID != "remote-1" {
		t.Errorf("Link() = %+v", cp)
	}

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := m.AdvancePull(at, "a"); err != nil {
		t.Fatalf("AdvancePull() failed: %v", err)
	}

	// Relinking to the same remote keeps the cursor.
	cp, _ = m.Link("remote-1")
	if !cp.LastPulledAt.Equal(at) {
		t.Errorf("relink to same remote reset cursor: %+v", cp)
	}

	// Linking elsewhere resets it.
	cp, _ = m.Link("remote-2")
	if cp.HasPulled() {
		t.Errorf("link to new remote kept cursor: %+v", cp)
	}

	if _, err := m.Link(""); err == nil {
		t.Error("Link(\"\") should fail")
	}
}

// TestFileFormat tests the on-disk field names
func TestFileFormat(t *testing.T) {
	m, _ := setupManager(t)
	if _, err := m.Link("remote-1"); err != nil {
		t.Fatalf("Link() failed: %v", err)
	}
	if err := m.AdvancePush(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), "etag-1"); err != nil {
		t.Fatalf("AdvancePush() failed: %v", err)
	}

	data, err := os.ReadFile(m.Path())
	if err != nil {
		t.Fatalf("Failed to read checkpoint: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("checkpoint is not JSON: %v", err)
	}
	for _, key := range []string{"linked", "remotePileId", "lastPushedAt", "lastPushedEtag"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("checkpoint missing key %q: %s", key, data)
		}
	}
	if _, ok := raw["lastPulledAt"]; ok {
		t.Errorf("zero lastPulledAt should be omitted: %s", data)
	}
}

// TestAdvancePull_Monotonic tests that the (updated_at, id) cursor never moves backward
func TestAdvancePull_Monotonic(t *testing.T) {
	m, _ := setupManager(t)
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	steps := []struct {
		at    time.Time
		id    string
		moved bool
	}{
		{base, "b", true},
		{base, "a", false},
		{base, "b", false},
		{base, "c", true},
		{base.Add(-time.Second), "z", false},
		{base.Add(time.Second), "a", true},
	}

	for i, s := range steps {
		moved, err := m.AdvancePull(s.at, s.id)
		if err != nil {
			t.Fatalf("step %d: AdvancePull() failed: %v", i, err)
		}
		if moved != s.moved {
			t.Errorf("step %d: moved = %v, want %v", i, moved, s.moved)
		}
	}

	cp, _ := m.Load()
	if !cp.LastPulledAt.Equal(base.Add(time.Second)) || cp.LastPulledID != "a" {
		t.Errorf("final cursor = (%v, %s)", cp.LastPulledAt, cp.LastPulledID)
	}
}

func TestAdvancePush_Monotonic(t *testing.T) {
	m, _ := setupManager(t)
	later := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	if err := m.AdvancePush(later, "e2"); err != nil {
		t.Fatalf("AdvancePush() failed: %v", err)
	}
	if err := m.AdvancePush(later.Add(-time.Hour), "e1"); err != nil {
		t.Fatalf("AdvancePush() failed: %v", err)
	}

	cp, _ := m.Load()
	if !cp.LastPushedAt.Equal(later) || cp.LastPushedEtag != "e2" {
		t.Errorf("push marker moved backward: %+v", cp)
	}
}

func TestRecordError(t *testing.T) {
	m, clk := setupManager(t)

	if err := m.RecordError(errors.New("network down")); err != nil {
		t.Fatalf("RecordError() failed: %v", err)
	}
	cp, _ := m.Load()
	if cp.LastError != "network down" || !cp.LastErrorAt.Equal(clk.Now()) {
		t.Errorf("RecordError() stored %+v", cp)
	}

	if err := m.RecordError(nil); err != nil {
		t.Fatalf("RecordError(nil) failed: %v", err)
	}
	cp, _ = m.Load()
	if cp.LastError != "" {
		t.Errorf("RecordError(nil) did not clear: %+v", cp)
	}
}

func TestUnlink(t *testing.T) {
	m, _ := setupManager(t)
	m.Link("remote-1")
	if err := m.Unlink(); err != nil {
		t.Fatalf("Unlink() failed: %v", err)
	}
	cp, _ := m.Load()
	if cp.Linked || cp.RemotePileID != "" {
		t.Errorf("Unlink() left %+v", cp)
	}
}

func TestLoad_Corrupt(t *testing.T) {
	m, _ := setupManager(t)
	if err := os.MkdirAll(strings.TrimSuffix(m.Path(), FileName), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(m.Path(), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Load(); err == nil {
		t.Error("Load() should fail on corrupt checkpoint")
	}
}
