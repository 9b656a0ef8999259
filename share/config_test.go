package ffshare

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadJobConfig(t *testing.T) {
	body := `
frames: "1,10"
exec: ./render
args: ["-frame", "%d"]
in:
  - source: scene.blend
    destination: scene.blend
out:
  - source: out-%04d.png
    destination: results/out-%04d.png
proxies: ["relay01:1121"]
listen: ":1121"
password: hunter2
`
	path := filepath.Join(t.TempDir(), "job.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadJobConfig(path)
	if err != nil {
		t.Fatalf("LoadJobConfig: %v", err)
	}
	if cfg.Frames != "1,10" || cfg.Exec != "./render" {
		t.Errorf("frames/exec = %q/%q", cfg.Frames, cfg.Exec)
	}
	if len(cfg.In) != 1 || cfg.In[0].Destination != "scene.blend" {
		t.Errorf("in = %+v", cfg.In)
	}
	if len(cfg.Out) != 1 || cfg.Out[0].Source != "out-%04d.png" {
		t.Errorf("out = %+v", cfg.Out)
	}
	if len(cfg.Proxies) != 1 || cfg.Proxies[0] != "relay01:1121" {
		t.Errorf("proxies = %v", cfg.Proxies)
	}
}

func TestLoadJobConfigRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("frames: [unclosed"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadJobConfig(path); err == nil {
		t.Fatal("expected YAML parse error")
	}
}

// CLI flags override file values field-by-field; unset flags leave the
// file's values alone, and a repeated flag replaces the file's list.
func TestJobConfigMerge(t *testing.T) {
	file := JobConfig{
		Frames:   "1,10",
		Exec:     "./render",
		Args:     []string{"-a"},
		Proxies:  []string{"relay01"},
		Password: "filepass",
	}
	flags := JobConfig{
		Frames:  "5",
		Proxies: []string{"relay02", "relay03"},
	}
	merged := file.Merge(flags)
	if merged.Frames != "5" {
		t.Errorf("Frames = %q, want flag override", merged.Frames)
	}
	if merged.Exec != "./render" || merged.Password != "filepass" {
		t.Errorf("unset flags must keep file values: %+v", merged)
	}
	if len(merged.Proxies) != 2 || merged.Proxies[0] != "relay02" {
		t.Errorf("Proxies = %v, want wholesale replacement", merged.Proxies)
	}
	if len(merged.Args) != 1 || merged.Args[0] != "-a" {
		t.Errorf("Args = %v, want file value preserved", merged.Args)
	}
}
