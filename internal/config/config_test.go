package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "export-config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const baseSection = `
[demo]
username = "alice"
url = "https://source.example.com/"
api_key = "k"
output_dir = "/tmp/staging"
`

func TestLoadAppliesDefaultsForAbsentKeys(t *testing.T) {
	path := writeConfig(t, baseSection)
	cfg, err := Load(path, "demo")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.URL != "https://source.example.com" {
		t.Fatalf("expected trimmed url, got %q", cfg.URL)
	}
	if cfg.Parallelism != 2 {
		t.Fatalf("unexpected parallelism: %d", cfg.Parallelism)
	}
	if !cfg.CheckDiskSpace {
		t.Fatalf("expected disk space check enabled by default")
	}
	if cfg.FilesRoot != "/home/cdsw" {
		t.Fatalf("unexpected files root: %q", cfg.FilesRoot)
	}
	if cfg.RequestTimeout != 60*time.Second {
		t.Fatalf("unexpected request timeout: %v", cfg.RequestTimeout)
	}
	if cfg.Remote() {
		t.Fatalf("expected local files without ssh_host")
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, baseSection+`
parallelism = 4
check_disk_space = false
adopt_existing = true
request_timeout = "5s"
ssh_host = "gw"
ssh_port = 2222
ssh_user = "bob"
`)
	cfg, err := Load(path, "demo")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Parallelism != 4 || cfg.CheckDiskSpace || !cfg.AdoptExisting {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
	if cfg.RequestTimeout != 5*time.Second {
		t.Fatalf("unexpected timeout: %v", cfg.RequestTimeout)
	}
	if got := cfg.Endpoint().String(); got != "bob@gw:/home/cdsw/" {
		t.Fatalf("unexpected endpoint: %q", got)
	}
	rs := cfg.RsyncConfig("/tmp/x")
	if rs.SSHPort != "2222" || rs.ExcludeFile != "/tmp/x" {
		t.Fatalf("unexpected rsync config: %+v", rs)
	}
}

func TestLoadConfigurationErrors(t *testing.T) {
	cases := []struct {
		name    string
		content string
		project string
		want    string
	}{
		{"missing section", baseSection, "other", "section not found"},
		{"missing key", "[demo]\nusername = \"a\"\n", "demo", "url"},
		{"bad parallelism", baseSection + "parallelism = 0\n", "demo", "parallelism"},
		{"bad timeout", baseSection + "request_timeout = \"soon\"\n", "demo", "request_timeout"},
		{"bad url", strings.Replace(baseSection, "https://", "ftp://", 1), "demo", "url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content), tc.project)
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("expected configuration error, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in %q", tc.want, err.Error())
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"), "demo")
	var cerr *ConfigurationError
	if !errors.As(err, &cerr) || cerr.Reason != "file not found" {
		t.Fatalf("expected file not found, got %v", err)
	}
}

func TestSections(t *testing.T) {
	path := writeConfig(t, baseSection+"\n[second]\nusername = \"b\"\n")
	names, err := Sections(path)
	if err != nil {
		t.Fatalf("sections: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("unexpected sections: %v", names)
	}
}

func TestTemplatesLoad(t *testing.T) {
	for _, direction := range []string{"export", "import"} {
		path := filepath.Join(t.TempDir(), direction+".toml")
		if err := WriteTemplate(path, direction, false); err != nil {
			t.Fatalf("write template: %v", err)
		}
		if err := WriteTemplate(path, direction, false); err == nil {
			t.Fatalf("expected existing file rejection")
		}
		cfg, err := Load(path, "my-project")
		if err != nil {
			t.Fatalf("load %s template: %v", direction, err)
		}
		if !cfg.Remote() {
			t.Fatalf("expected template to configure an ssh host")
		}
	}
	if _, err := Template("sideways"); err == nil {
		t.Fatalf("expected unknown direction error")
	}
}
