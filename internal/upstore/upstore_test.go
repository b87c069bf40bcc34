package upstore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFile(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "unifiedpush.json"))

	regs, err := s.Load()
	if err != nil {
		t.Fatalf("Load on missing file: %v", err)
	}
	if len(regs) != 0 {
		t.Fatalf("expected empty store, got %d entries", len(regs))
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "unifiedpush.json"))

	now := time.Now().UTC().Truncate(time.Second)
	in := []Registration{
		{
			DeviceID:     "a1b2c3",
			EndpointURL:  "https://push.example.org/up/abc",
			Platform:     "android",
			RegisteredAt: now,
			ExpiresAt:    now.Add(168 * time.Hour),
		},
		{
			DeviceID:     "d4e5f6",
			EndpointURL:  "https://ntfy.sh/up/def",
			Platform:     "android",
			RegisteredAt: now,
			ExpiresAt:    now.Add(24 * time.Hour),
		},
	}
	if err := s.Save(in); err != nil {
		t.Fatalf("Save: %v", err)
	}

	out, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("loaded %d entries, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i].DeviceID != in[i].DeviceID || out[i].EndpointURL != in[i].EndpointURL {
			t.Errorf("entry %d = %+v, want %+v", i, out[i], in[i])
		}
		if !out[i].ExpiresAt.Equal(in[i].ExpiresAt) {
			t.Errorf("entry %d expires_at = %v, want %v", i, out[i].ExpiresAt, in[i].ExpiresAt)
		}
	}
}

func TestSaveOverwritesWholesale(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "unifiedpush.json"))

	if err := s.Save([]Registration{{DeviceID: "one", EndpointURL: "https://a"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Save([]Registration{{DeviceID: "two", EndpointURL: "https://b"}}); err != nil {
		t.Fatal(err)
	}

	regs, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(regs) != 1 || regs[0].DeviceID != "two" {
		t.Fatalf("expected only the latest snapshot, got %+v", regs)
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "unifiedpush.json"))

	if err := s.Save(nil); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
	if len(entries) != 1 {
		t.Errorf("expected exactly the store file, got %d entries", len(entries))
	}
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unifiedpush.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := New(path).Load(); err == nil {
		t.Fatal("Load on corrupt file succeeded, want error")
	}
}

func TestLoadUnsupportedVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unifiedpush.json")
	if err := os.WriteFile(path, []byte(`{"version":99,"registrations":[]}`), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := New(path).Load(); err == nil {
		t.Fatal("Load on future version succeeded, want error")
	}
}
