package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PortMin != Default().PortMin || cfg.PortMax != Default().PortMax {
		t.Fatalf("expected default port range, got [%d,%d]", cfg.PortMin, cfg.PortMax)
	}
}

func TestLoadJSONOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"port_min":6000,"port_max":6010,"log_level":"debug"}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PortMin != 6000 || cfg.PortMax != 6010 {
		t.Fatalf("expected overlaid port range, got [%d,%d]", cfg.PortMin, cfg.PortMax)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected overlaid log level, got %s", cfg.LogLevel)
	}
	if cfg.AmbientTickSeconds != Default().AmbientTickSeconds {
		t.Fatalf("expected untouched field to keep default, got %d", cfg.AmbientTickSeconds)
	}
}

func TestLoadYAMLByExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("port_min: 7000\nport_max: 7010\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PortMin != 7000 || cfg.PortMax != 7010 {
		t.Fatalf("expected yaml-overlaid port range, got [%d,%d]", cfg.PortMin, cfg.PortMax)
	}
}

func TestEnvOverridesFileAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"port_min":6000,"port_max":6010}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("KM_PORT_MIN", "9000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PortMin != 9000 {
		t.Fatalf("expected env to win over file, got %d", cfg.PortMin)
	}
	if cfg.PortMax != 6010 {
		t.Fatalf("expected file value retained for untouched field, got %d", cfg.PortMax)
	}
}

func TestKMPortPinsMinAndMax(t *testing.T) {
	t.Setenv("KM_PORT", "45150")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PortMin != 45150 || cfg.PortMax != 45150 {
		t.Fatalf("expected KM_PORT to pin both bounds, got [%d,%d]", cfg.PortMin, cfg.PortMax)
	}
}

func TestDiscoverPathPrefersJSON(t *testing.T) {
	dir := t.TempDir()
	claudeDir := filepath.Join(dir, ".claude")
	if err := os.MkdirAll(claudeDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(claudeDir, "config.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write json: %v", err)
	}
	if err := os.WriteFile(filepath.Join(claudeDir, "config.yaml"), []byte(""), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	got := DiscoverPath(dir)
	if got != filepath.Join(claudeDir, "config.json") {
		t.Fatalf("expected json preferred, got %s", got)
	}
}

func TestLoadJSONOverlaysAgentCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"agent_commands":{"planner":["agents/planner","--stdin"]}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	argv, ok := cfg.AgentCommands["planner"]
	if !ok || len(argv) != 2 || argv[0] != "agents/planner" {
		t.Fatalf("expected planner agent command to round-trip, got %#v", cfg.AgentCommands)
	}
}

func TestSaveRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := Default()
	cfg.PortMin = 5555

	if err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.PortMin != 5555 {
		t.Fatalf("expected saved port_min round-tripped, got %d", loaded.PortMin)
	}
}
