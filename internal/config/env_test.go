package config

import (
	"os"
	"path/filepath"
	"testing"
)

// unsetForTest clears keys and restores them when the test ends.
func unsetForTest(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadEnv_parsesForms(t *testing.T) {
	unsetForTest(t, "WG_PLAIN", "WG_EXPORTED", "WG_DOUBLE", "WG_SINGLE", "WG_SPACED")

	path := filepath.Join(t.TempDir(), "test.env")
	body := `# comment line

WG_PLAIN=plain
export WG_EXPORTED=exported
WG_DOUBLE="a \"quoted\" C:\\dir"
WG_SINGLE='lit \n $HOME'
WG_SPACED=spaced value
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	loaded := LoadEnv(path)
	if len(loaded) != 1 || loaded[0] != path {
		t.Fatalf("loaded = %v", loaded)
	}

	tests := map[string]string{
		"WG_PLAIN":    "plain",
		"WG_EXPORTED": "exported",
		"WG_DOUBLE":   `a "quoted" C:\dir`,
		"WG_SINGLE":   `lit \n $HOME`,
		"WG_SPACED":   "spaced value",
	}
	for key, want := range tests {
		if got := os.Getenv(key); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
}

func TestLoadEnv_malformedFileSkipped(t *testing.T) {
	unsetForTest(t, "WG_BEFORE_BAD", "WG_GOOD")

	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.env")
	if err := os.WriteFile(bad, []byte("WG_BEFORE_BAD=1\nnot a valid line\n"), 0644); err != nil {
		t.Fatal(err)
	}
	good := filepath.Join(dir, "good.env")
	if err := os.WriteFile(good, []byte("WG_GOOD=yes\n"), 0644); err != nil {
		t.Fatal(err)
	}

	loaded := LoadEnv(bad, good)
	if len(loaded) != 1 || loaded[0] != good {
		t.Errorf("loaded = %v, want only the good file", loaded)
	}
	if got := os.Getenv("WG_GOOD"); got != "yes" {
		t.Errorf("WG_GOOD = %q", got)
	}
	if _, set := os.LookupEnv("WG_BEFORE_BAD"); set {
		t.Error("a file that fails to parse should not set anything")
	}
}

func TestLoadEnv_existingVariablesWin(t *testing.T) {
	t.Setenv("WG_PRESET", "from-process")

	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("WG_PRESET=from-file\n"), 0644); err != nil {
		t.Fatal(err)
	}
	LoadEnv(path)
	if got := os.Getenv("WG_PRESET"); got != "from-process" {
		t.Errorf("WG_PRESET = %q, want process value", got)
	}
}

func TestLoadEnv_skipsMissingAndDirectories(t *testing.T) {
	dir := t.TempDir()
	loaded := LoadEnv("", filepath.Join(dir, "absent.env"), dir)
	if len(loaded) != 0 {
		t.Errorf("loaded = %v, want none", loaded)
	}
}

func TestLoadDefaultEnv_explicitFileFirst(t *testing.T) {
	unsetForTest(t, "WG_ORDER")
	home := t.TempDir()
	t.Setenv("HOME", home)

	explicit := filepath.Join(t.TempDir(), "explicit.env")
	if err := os.WriteFile(explicit, []byte("WG_ORDER=explicit\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(home, ".whispergate.env"), []byte("WG_ORDER=home\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WHISPERGATE_ENV", explicit)

	loaded := LoadDefaultEnv()
	if len(loaded) < 2 {
		t.Fatalf("loaded = %v, want explicit and home files", loaded)
	}
	if got := os.Getenv("WG_ORDER"); got != "explicit" {
		t.Errorf("WG_ORDER = %q, first file should win", got)
	}
}
