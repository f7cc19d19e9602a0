package bootstrap

import (
	"os"
	"path/filepath"
	"slices"
	"testing"

	"fleetconsole/internal/config"
)

func TestInitWritesLoadableConfig(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	for _, name := range []string{"config.json", "fleet.yaml"} {
		report, err := Init(InitOptions{ConfigPath: name})
		if err != nil {
			t.Fatalf("Init(%s): %v", name, err)
		}
		if !slices.Contains(report.Created, name) {
			t.Fatalf("Init(%s) created = %v", name, report.Created)
		}
		cfg, err := config.Load(name)
		if err != nil {
			t.Fatalf("Load(%s): %v", name, err)
		}
		if cfg.Gateway.URL != config.DefaultConfig().Gateway.URL {
			t.Fatalf("Load(%s) gateway url = %q", name, cfg.Gateway.URL)
		}
	}
	if st, err := os.Stat(filepath.Join(dir, ".fleetconsole")); err != nil || !st.IsDir() {
		t.Fatalf("data dir not created: %v", err)
	}
}

func TestInitKeepsExistingConfig(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	if err := os.WriteFile("config.json", []byte(`{"gateway":{"url":"ws://gw:1"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	report, err := Init(InitOptions{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !slices.Contains(report.Skipped, "config.json") {
		t.Fatalf("skipped = %v", report.Skipped)
	}
	if b, _ := os.ReadFile("config.json"); string(b) != `{"gateway":{"url":"ws://gw:1"}}` {
		t.Fatalf("config overwritten: %s", b)
	}

	if _, err := Init(InitOptions{Force: true}); err != nil {
		t.Fatalf("Init force: %v", err)
	}
	cfg, err := config.Load("config.json")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.URL == "ws://gw:1" {
		t.Fatalf("force did not overwrite")
	}
}
