package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestLoad_NoFiles_ReturnsDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HubDatabasePath == "" {
		t.Error("expected a default hub database path")
	}
}

func TestLoad_ProjectOverridesUser(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	writeFile(t, filepath.Join(home, ".gobby", "config.yaml"), "memory:\n  enabled: true\n  detail_level: summary\n")

	projectDir := t.TempDir()
	writeFile(t, filepath.Join(projectDir, ".gobby", "config.yaml"), "memory:\n  enabled: true\n  detail_level: full\n")

	cfg, err := Load(projectDir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Memory.DetailLevel != "full" {
		t.Errorf("DetailLevel = %q, want %q (project override)", cfg.Memory.DetailLevel, "full")
	}
}

func TestLoad_EnvInterpolation(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("GOBBY_TOKEN", "secret-token")
	writeFile(t, filepath.Join(home, ".gobby", "config.yaml"), "github:\n  enabled: true\n  token: \"${GOBBY_TOKEN:-missing}\"\n")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GitHub.Token != "secret-token" {
		t.Errorf("GitHub.Token = %q, want %q", cfg.GitHub.Token, "secret-token")
	}
}

func TestLoad_EnvInterpolation_DefaultWhenUnset(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("GOBBY_MISSING_VAR", "")
	writeFile(t, filepath.Join(home, ".gobby", "config.yaml"), "github:\n  token: \"${GOBBY_MISSING_VAR:-fallback}\"\n")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GitHub.Token != "fallback" {
		t.Errorf("GitHub.Token = %q, want %q", cfg.GitHub.Token, "fallback")
	}
}

func TestLoad_MCPServersMergedByName(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	writeFile(t, filepath.Join(home, ".gobby", "config.yaml"),
		"mcp_servers:\n  - name: fs\n    transport: stdio\n    command: fs-server\n  - name: git\n    transport: stdio\n    command: git-server\n")

	projectDir := t.TempDir()
	writeFile(t, filepath.Join(projectDir, ".gobby", "config.yaml"),
		"mcp_servers:\n  - name: fs\n    transport: stdio\n    command: fs-server-v2\n")

	cfg, err := Load(projectDir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.MCPServers) != 2 {
		t.Fatalf("len(MCPServers) = %d, want 2", len(cfg.MCPServers))
	}
	byName := map[string]MCPServerConfig{}
	for _, s := range cfg.MCPServers {
		byName[s.Name] = s
	}
	if byName["fs"].Command != "fs-server-v2" {
		t.Errorf("fs.Command = %q, want project override %q", byName["fs"].Command, "fs-server-v2")
	}
	if byName["git"].Command != "git-server" {
		t.Errorf("git.Command = %q, want inherited user value", byName["git"].Command)
	}
}

func TestAuditPermissions_FlagsWorldReadable(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	path := filepath.Join(home, ".gobby", "config.yaml")
	writeFile(t, path, "github:\n  token: x\n")
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatalf("chmod: %v", err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	warnings := AuditPermissions(cfg)
	if len(warnings) != 1 {
		t.Fatalf("AuditPermissions = %v, want 1 warning", warnings)
	}
}

func TestAuditPermissions_OwnerOnlyIsClean(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	writeFile(t, filepath.Join(home, ".gobby", "config.yaml"), "github:\n  token: x\n")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if warnings := AuditPermissions(cfg); len(warnings) != 0 {
		t.Errorf("AuditPermissions = %v, want none", warnings)
	}
}
