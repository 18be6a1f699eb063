package media

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("not really an image"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestIsSupported(t *testing.T) {
	for _, ext := range []string{".jpg", ".JPG", ".png", ".pdf", ".heic"} {
		if !IsSupported(ext) {
			t.Errorf("expected %s to be supported", ext)
		}
	}
	for _, ext := range []string{".mp4", ".txt", ""} {
		if IsSupported(ext) {
			t.Errorf("expected %s to be unsupported", ext)
		}
	}
}

func TestLoadFallsBackToModTime(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "page1.jpg")
	writeFile(t, path)

	f, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Name != "page1.jpg" || f.MIMEType != "image/jpeg" {
		t.Errorf("unexpected file: %+v", f)
	}
	info, _ := os.Stat(path)
	if !f.CapturedAt.Equal(info.ModTime()) {
		t.Errorf("expected capture time to fall back to mod time, got %v", f.CapturedAt)
	}
}

func TestLoadRejectsUnsupported(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	writeFile(t, path)

	if _, err := Load(path); err == nil {
		t.Error("expected error for unsupported extension")
	}
}

func TestCollect(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.jpg"))
	writeFile(t, filepath.Join(dir, "a.png"))
	writeFile(t, filepath.Join(dir, "skip.txt"))
	writeFile(t, filepath.Join(dir, "nested", "c.pdf"))
	single := filepath.Join(t.TempDir(), "single.jpeg")
	writeFile(t, single)

	files, err := Collect([]string{single, dir, single}, ScanOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var names []string
	for _, f := range files {
		names = append(names, f.Name)
	}
	want := []string{"single.jpeg", "a.png", "b.jpg", "c.pdf"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], names[i])
		}
	}
}

func TestCollectMaxDepthAndLimit(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.jpg"))
	writeFile(t, filepath.Join(dir, "b.jpg"))
	writeFile(t, filepath.Join(dir, "nested", "c.jpg"))

	files, err := Collect([]string{dir}, ScanOptions{MaxDepth: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(files) != 2 {
		t.Errorf("expected nested directory to be skipped, got %d files", len(files))
	}

	files, err = Collect([]string{dir}, ScanOptions{Limit: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(files) != 1 {
		t.Errorf("expected limit of 1, got %d files", len(files))
	}
}

func TestCollectMissingPath(t *testing.T) {
	if _, err := Collect([]string{filepath.Join(t.TempDir(), "missing.jpg")}, ScanOptions{}); err == nil {
		t.Error("expected error for missing path")
	}
}
