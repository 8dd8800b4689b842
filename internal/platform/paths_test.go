package platform

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPathsFor(t *testing.T) {
	cases := []struct {
		name       string
		goos       string
		env        map[string]string
		configDir  string
		dataDir    string
		wantConfig string
		wantData   string
	}{
		{
			name:       "linux xdg",
			goos:       "linux",
			env:        map[string]string{"XDG_CONFIG_HOME": "/xdg/config", "XDG_DATA_HOME": "/xdg/data"},
			configDir:  "/fallback/config",
			dataDir:    "/fallback/data",
			wantConfig: "/xdg/config",
			wantData:   "/xdg/data",
		},
		{
			name:       "linux without xdg",
			goos:       "linux",
			env:        map[string]string{},
			configDir:  "/home/me/.config",
			dataDir:    "/home/me/.local/share",
			wantConfig: "/home/me/.config",
			wantData:   "/home/me/.local/share",
		},
		{
			name:       "windows appdata",
			goos:       "windows",
			env:        map[string]string{"APPDATA": `C:\Users\me\AppData\Roaming`, "LOCALAPPDATA": `C:\Users\me\AppData\Local`},
			configDir:  `C:\fallback\config`,
			dataDir:    `C:\fallback\data`,
			wantConfig: `C:\Users\me\AppData\Roaming`,
			wantData:   `C:\Users\me\AppData\Local`,
		},
		{
			name:       "darwin ignores xdg",
			goos:       "darwin",
			env:        map[string]string{"XDG_CONFIG_HOME": "/ignored", "XDG_DATA_HOME": "/ignored"},
			configDir:  "/Users/me/Library/Application Support",
			dataDir:    "/Users/me/Library/Application Support",
			wantConfig: "/Users/me/Library/Application Support",
			wantData:   "/Users/me/Library/Application Support",
		},
		{
			name:       "other os",
			goos:       "freebsd",
			env:        nil,
			configDir:  "/cfg",
			dataDir:    "/data",
			wantConfig: "/cfg",
			wantData:   "/data",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := PathsFor(tc.goos, tc.env, tc.configDir, tc.dataDir, "concord")
			if err != nil {
				t.Fatalf("PathsFor() error = %v", err)
			}
			if want := filepath.Join(tc.wantConfig, "concord", "config.toml"); p.ConfigPath != want {
				t.Fatalf("ConfigPath = %q, want %q", p.ConfigPath, want)
			}
			if want := filepath.Join(tc.wantData, "concord"); p.DataDir != want {
				t.Fatalf("DataDir = %q, want %q", p.DataDir, want)
			}
			if want := filepath.Join(tc.wantData, "concord", "concord.db"); p.DBPath != want {
				t.Fatalf("DBPath = %q, want %q", p.DBPath, want)
			}
			if want := filepath.Join(tc.wantData, "concord", "log"); p.LogDir != want {
				t.Fatalf("LogDir = %q, want %q", p.LogDir, want)
			}
		})
	}
}

func TestPathsForRejectsEmptyInputs(t *testing.T) {
	if _, err := PathsFor("darwin", nil, "", "/tmp/data", "concord"); err == nil {
		t.Fatal("expected error for empty config dir")
	}
	if _, err := PathsFor("linux", nil, "/cfg", "/data", "  "); err == nil {
		t.Fatal("expected error for empty app name")
	}
}

func TestDefaultPaths(t *testing.T) {
	p, err := DefaultPaths()
	if err != nil {
		t.Fatalf("DefaultPaths() error = %v", err)
	}
	if p.ConfigPath == "" || p.DBPath == "" || p.DataDir == "" || p.LogDir == "" {
		t.Fatalf("expected non-empty paths, got %#v", p)
	}

	dev, err := DefaultPathsWithOptions(Options{AppName: "concord", DevMode: true})
	if err != nil {
		t.Fatalf("DefaultPathsWithOptions() error = %v", err)
	}
	if filepath.Base(filepath.Dir(dev.ConfigPath)) != "concord-dev" {
		t.Fatalf("expected dev config dir suffix, got %q", dev.ConfigPath)
	}
	if filepath.Base(dev.DBPath) != "concord-dev.db" {
		t.Fatalf("expected dev db name, got %q", dev.DBPath)
	}
}

func TestEnsureDataDirCreatesDatabaseParent(t *testing.T) {
	root := t.TempDir()
	p := Paths{DataDir: filepath.Join(root, "unused")}
	dbPath := filepath.Join(root, "nested", "concord.db")
	if err := p.EnsureDataDir(dbPath); err != nil {
		t.Fatalf("EnsureDataDir() error = %v", err)
	}
	if info, err := os.Stat(filepath.Dir(dbPath)); err != nil || !info.IsDir() {
		t.Fatalf("expected db dir, stat err = %v", err)
	}

	fallback := Paths{DataDir: filepath.Join(root, "data")}
	if err := fallback.EnsureDataDir("concord.db"); err != nil {
		t.Fatalf("EnsureDataDir(bare name) error = %v", err)
	}
	if info, err := os.Stat(fallback.DataDir); err != nil || !info.IsDir() {
		t.Fatalf("expected data dir fallback, stat err = %v", err)
	}

	if err := (Paths{}).EnsureDataDir(""); err == nil {
		t.Fatal("expected error for empty data dir")
	}
}
