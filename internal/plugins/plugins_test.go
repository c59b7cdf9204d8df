package plugins

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeDescriptor(t *testing.T, dir, sub, file, content string) string {
	t.Helper()
	path := filepath.Join(dir, sub, file)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const deploySkill = `---
name: deploy
description: Deploy help
intents:
  - deploy
  - deploy to production
handler: reply
---

Deploying {{args}} for {{owner}}.
`

const previewSkill = `---
name: preview
intents:
  - deploy to
handler: help
---
`

const githubMCP = `---
name: github
capabilities: [github, repos]
handler: stdio
command: npx
args: ["-y", "@modelcontextprotocol/server-github"]
config:
  GITHUB_PERSONAL_ACCESS_TOKEN: env:FOREMAN_TEST_GH
  MODE: readonly
---
`

func TestParseSkillMD(t *testing.T) {
	s, err := ParseSkillMD([]byte(deploySkill))
	if err != nil {
		t.Fatalf("ParseSkillMD() error = %v", err)
	}
	if s.Name != "deploy" || len(s.Intents) != 2 || s.Handler != "reply" {
		t.Errorf("unexpected descriptor: %+v", s)
	}
	if !strings.HasPrefix(s.Body, "Deploying") {
		t.Errorf("Body = %q", s.Body)
	}

	if _, err := ParseSkillMD([]byte("no frontmatter")); !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("expected ErrInvalidDescriptor, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	handlers := BuiltinHandlers()
	tests := []struct {
		name    string
		skill   SkillDescriptor
		wantErr error
	}{
		{"valid", SkillDescriptor{Name: "a", Intents: []string{"x"}, Handler: "reply"}, nil},
		{"no name", SkillDescriptor{Intents: []string{"x"}, Handler: "reply"}, ErrInvalidDescriptor},
		{"no intents", SkillDescriptor{Name: "a", Intents: []string{" "}, Handler: "reply"}, ErrInvalidDescriptor},
		{"unknown handler", SkillDescriptor{Name: "a", Intents: []string{"x"}, Handler: "shell"}, ErrUnknownHandler},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.skill.Validate(handlers)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	m := MCPDescriptor{Name: "x", Capabilities: []string{"y"}, Handler: "http"}
	if err := m.Validate(); !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("http without url should be invalid, got %v", err)
	}
}

func TestLoadRegistry(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "skills/deploy", "SKILL.md", deploySkill)
	writeDescriptor(t, dir, "skills/preview", "SKILL.md", previewSkill)
	writeDescriptor(t, dir, "mcps/github", "MCP.md", githubMCP)

	reg, err := Load([]string{filepath.Join(dir, "skills"), filepath.Join(dir, "mcps"), filepath.Join(dir, "missing")}, BuiltinHandlers())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(reg.Skills()) != 2 || len(reg.MCPs()) != 1 {
		t.Fatalf("got %d skills, %d mcps", len(reg.Skills()), len(reg.MCPs()))
	}

	h, s, ok := reg.Resolve("deploy")
	if !ok {
		t.Fatal("deploy not resolved")
	}
	reply, err := h(context.Background(), Request{Owner: "U1", Args: "acme", Skill: s})
	if err != nil {
		t.Fatal(err)
	}
	if reply != "Deploying acme for U1." {
		t.Errorf("reply = %q", reply)
	}

	if m, ok := reg.ResolveCapability("repos"); !ok || m.Name != "github" {
		t.Errorf("capability lookup failed: %v %v", m, ok)
	}
	if _, ok := reg.ResolveCapability("GitHub"); !ok {
		t.Error("name lookup should be case-insensitive")
	}
	if _, ok := reg.ResolveCapability("slack"); ok {
		t.Error("unexpected capability match")
	}
}

func TestLoadGlobSources(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "projects/acme/skills/deploy", "SKILL.md", deploySkill)
	writeDescriptor(t, dir, "projects/bolt/mcps/github", "MCP.md", githubMCP)
	writeDescriptor(t, dir, "projects/bolt/notes", "README.md", "not a descriptor")

	sources := []string{filepath.Join(dir, "projects", "*", "skills"), filepath.Join(dir, "projects", "**", "MCP.md")}
	expanded, err := ExpandSources(sources)
	if err != nil {
		t.Fatal(err)
	}
	if len(expanded) != 2 {
		t.Fatalf("expanded = %v", expanded)
	}

	reg, err := Load(sources, BuiltinHandlers())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(reg.Skills()) != 1 || len(reg.MCPs()) != 1 {
		t.Fatalf("got %d skills, %d mcps", len(reg.Skills()), len(reg.MCPs()))
	}

	if _, err := ExpandSources([]string{filepath.Join(dir, "[")}); !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("bad pattern error = %v", err)
	}
}

func TestTriggersMatch(t *testing.T) {
	ts := Triggers{
		{Phrase: "deploy", Skill: "deploy"},
		{Phrase: "deploy to production", Skill: "deploy"},
		{Phrase: "deploy to", Skill: "preview"},
		{Phrase: "ship it", Skill: "zeta"},
		{Phrase: "ship it", Skill: "alpha"},
	}
	tests := []struct {
		text      string
		wantSkill string
		wantOK    bool
	}{
		{"please deploy to production now", "deploy", true},
		{"deploy to staging", "preview", true},
		{"deploy", "deploy", true},
		{"redeploy", "", false},
		{"ship it", "alpha", true},
		{"nothing here", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, ok := ts.Match(Normalize(tt.text))
			if ok != tt.wantOK || got.Skill != tt.wantSkill {
				t.Errorf("Match(%q) = %v, %v; want %s, %v", tt.text, got, ok, tt.wantSkill, tt.wantOK)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("  Start   PROJECT!! "); got != "start project" {
		t.Errorf("Normalize = %q", got)
	}
}

func TestDuplicateKeepsPreviousRegistry(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "deploy", "SKILL.md", deploySkill)

	host, err := NewHost([]string{dir}, BuiltinHandlers())
	if err != nil {
		t.Fatalf("NewHost() error = %v", err)
	}
	before := host.Registry()

	writeDescriptor(t, dir, "deploy-copy", "SKILL.md", deploySkill)
	err = host.Reload([]string{dir})

	var dup *DuplicateRegistrationError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateRegistrationError, got %v", err)
	}
	if !errors.Is(err, ErrDuplicateRegistration) || dup.Name != "deploy" {
		t.Errorf("unexpected error details: %+v", dup)
	}
	if host.Registry() != before {
		t.Error("failed reload replaced the active registry")
	}
	if _, _, ok := host.Registry().Resolve("deploy"); !ok {
		t.Error("previous registry no longer queryable")
	}
}

func TestSkillAndMCPShareNamespace(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "a", "SKILL.md", strings.Replace(deploySkill, "name: deploy", "name: github", 1))
	writeDescriptor(t, dir, "b", "MCP.md", githubMCP)

	if _, err := Load([]string{dir}, BuiltinHandlers()); !errors.Is(err, ErrDuplicateRegistration) {
		t.Fatalf("expected duplicate registration, got %v", err)
	}
}

func TestResolveConfig(t *testing.T) {
	m, err := ParseMCPMD([]byte(githubMCP))
	if err != nil {
		t.Fatal(err)
	}

	env := map[string]string{}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	if _, err := m.ResolveConfig(lookup); !errors.Is(err, ErrMissingSecret) || !strings.Contains(err.Error(), "FOREMAN_TEST_GH") {
		t.Fatalf("expected missing secret naming the variable, got %v", err)
	}

	env["FOREMAN_TEST_GH"] = "ghp_secret"
	cfg, err := m.ResolveConfig(lookup)
	if err != nil {
		t.Fatal(err)
	}
	if cfg["GITHUB_PERSONAL_ACCESS_TOKEN"] != "ghp_secret" || cfg["MODE"] != "readonly" {
		t.Errorf("cfg = %v", cfg)
	}
	if refs := m.SecretRefs(); len(refs) != 1 || refs[0] != "FOREMAN_TEST_GH" {
		t.Errorf("SecretRefs = %v", refs)
	}
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "deploy", "SKILL.md", deploySkill)

	host, err := NewHost([]string{dir}, BuiltinHandlers())
	if err != nil {
		t.Fatal(err)
	}
	reloaded := make(chan *Registry, 8)
	host.OnChange(func(r *Registry) {
		select {
		case reloaded <- r:
		default:
		}
	})

	w := NewWatcher(host, 20*time.Millisecond)
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	writeDescriptor(t, dir, "preview", "SKILL.md", previewSkill)

	timeout := time.After(5 * time.Second)
	for {
		select {
		case r := <-reloaded:
			if len(r.Skills()) == 2 {
				return
			}
		case <-timeout:
			t.Fatal("registry was not reloaded with the new skill")
		}
	}
}
