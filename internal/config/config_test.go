package config

import (
	"os"
	"path/filepath"
	"testing"
)

type testConfig struct {
	Addr     string `yaml:"addr"`
	PoolSize int    `yaml:"pool_size"`
	Debug    bool   `yaml:"debug"`
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeFile(t, "addr: \":17003\"\npool_size: 5\ndebug: true\n")
	var c testConfig
	if err := Load(path, &c); err != nil {
		t.Fatal(err)
	}
	if c.Addr != ":17003" || c.PoolSize != 5 || !c.Debug {
		t.Errorf("unexpected config: %+v", c)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "adress: \":17003\"\n")
	var c testConfig
	if err := Load(path, &c); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestLoadEmptyFile(t *testing.T) {
	path := writeFile(t, "")
	var c testConfig
	if err := Load(path, &c); err != nil {
		t.Errorf("empty file should load cleanly, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	var c testConfig
	if err := Load(filepath.Join(t.TempDir(), "nope.yaml"), &c); err == nil {
		t.Error("expected error for missing file")
	}
}
