package image

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/quantfold/btq/pkg/pin"
)

func writeContext(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestInputsHash_Deterministic(t *testing.T) {
	files := map[string]string{
		"Dockerfile":         "FROM python:3.12-slim\n",
		"requirements.txt":   "hftbacktest==2.1.0\n",
		"configs/sweep.json": `{"engine":{},"strategy":{},"risk":{}}`,
		"entrypoints/run.py": "print('run')\n",
	}

	h1, err := InputsHash(writeContext(t, files))
	if err != nil {
		t.Fatalf("InputsHash failed: %v", err)
	}
	h2, err := InputsHash(writeContext(t, files))
	if err != nil {
		t.Fatalf("InputsHash failed: %v", err)
	}

	if h1 != h2 {
		t.Errorf("identical inputs must hash identically: %s vs %s", h1, h2)
	}
}

func TestInputsHash_ContentSensitive(t *testing.T) {
	base := map[string]string{"Dockerfile": "FROM python:3.12-slim\n"}
	changed := map[string]string{"Dockerfile": "FROM python:3.13-slim\n"}

	h1, _ := InputsHash(writeContext(t, base))
	h2, _ := InputsHash(writeContext(t, changed))
	if h1 == h2 {
		t.Error("differing inputs must hash differently")
	}
}

func TestInputsHash_IgnoresGitDir(t *testing.T) {
	dir := writeContext(t, map[string]string{"Dockerfile": "FROM scratch\n"})
	h1, _ := InputsHash(dir)

	os.MkdirAll(filepath.Join(dir, ".git"), 0o755)
	os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("ref: refs/heads/main\n"), 0o644)
	h2, _ := InputsHash(dir)

	if h1 != h2 {
		t.Error("VCS metadata must not participate in the inputs hash")
	}
}

func TestTag_Derivation(t *testing.T) {
	p := pin.Pin{Repo: "repo", Commit: "abc123def4567890abc123def4567890abc123de"}

	tag := Tag(p, "0123456789abcdef0123")
	if tag != "abc123def456-0123456789ab" {
		t.Errorf("unexpected tag %s", tag)
	}

	// Idempotent: same pin + same inputs hash => same tag.
	if Tag(p, "0123456789abcdef0123") != tag {
		t.Error("tag derivation must be a pure function")
	}
}

func TestContextTar_Deterministic(t *testing.T) {
	files := map[string]string{
		"b.txt":      "bbb",
		"a/inner.py": "aaa",
	}

	read := func(dir string) []byte {
		r, err := ContextTar(dir)
		if err != nil {
			t.Fatalf("ContextTar failed: %v", err)
		}
		data, err := io.ReadAll(r)
		if err != nil {
			t.Fatal(err)
		}
		return data
	}

	t1 := read(writeContext(t, files))
	t2 := read(writeContext(t, files))

	if string(t1) != string(t2) {
		t.Error("context tar must be byte-identical for identical inputs")
	}
}

func TestParseRef(t *testing.T) {
	repo, tag, err := ParseRef("registry.quantfold.dev:5000/backtests:abc123-h1")
	if err != nil {
		t.Fatalf("ParseRef failed: %v", err)
	}
	if repo != "registry.quantfold.dev:5000/backtests" || tag != "abc123-h1" {
		t.Errorf("unexpected parse: %s / %s", repo, tag)
	}

	if _, _, err := ParseRef("registry.quantfold.dev:5000/backtests"); err == nil {
		t.Error("missing tag must be rejected")
	}
}
