// Copyright (c) 2025 caseops
// Caseload - CVE tracker sync and impact analytics
// This source code is licensed under the MIT license found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
)

func TestLoadConfig_Defaults(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)
	t.Chdir(tmp)

	c, err := LoadConfig(&cobra.Command{}, nil)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if c.Database.Type != "sqlite" || c.Database.DSN != "caseload.db" {
		t.Errorf("unexpected database defaults: %+v", c.Database)
	}
	if c.Language != "en" || c.Debug {
		t.Errorf("unexpected defaults: %+v", c)
	}
	if c.SLA.DefaultDays != 90 {
		t.Errorf("unexpected SLA default: %+v", c.SLA)
	}
	if c.SLA.SeverityDays["critical"] != 7 {
		t.Errorf("unexpected severity budget: %+v", c.SLA.SeverityDays)
	}
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)
	t.Chdir(tmp)

	content := `database:
  type: postgres
  dsn: "host=localhost dbname=caseload"
jira:
  server: https://issues.example.com
sync:
  projects: ["PLAT", "WEB"]
`
	if err := os.WriteFile(filepath.Join(tmp, "caseload.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CASELOAD_JIRA_TOKEN", "secret-token")

	c, err := LoadConfig(&cobra.Command{}, nil)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if c.Database.Type != "postgres" {
		t.Errorf("file value not applied: %+v", c.Database)
	}
	if len(c.Sync.Projects) != 2 || c.Sync.Projects[0] != "PLAT" {
		t.Errorf("projects not parsed: %v", c.Sync.Projects)
	}
	if c.Jira.Server != "https://issues.example.com" {
		t.Errorf("jira server not parsed: %+v", c.Jira)
	}
	if c.Jira.Token != "secret-token" {
		t.Errorf("env token not applied: %+v", c.Jira)
	}
}

func TestSLAConfigPolicy(t *testing.T) {
	c := SLAConfig{DefaultDays: 60, SeverityDays: map[string]int{"Critical": 5}}
	p := c.Policy()
	if p.DaysFor("critical") != 5 {
		t.Errorf("severity keys should be lowercased: %+v", p)
	}
	if p.DaysFor("other") != 60 {
		t.Errorf("default not carried: %+v", p)
	}
}

func TestWriteConfigFile_CreatesFile(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)

	c := Config{}
	c.Database.Type = "sqlite"
	c.Database.DSN = "caseload.db"
	if err := WriteConfigFile(&c, false); err != nil {
		t.Fatalf("WriteConfigFile failed: %v", err)
	}

	path := filepath.Join(tmp, "caseload", "caseload.yaml")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not created at %s: %v", path, err)
	}
}
