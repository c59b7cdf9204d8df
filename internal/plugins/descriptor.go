// Package plugins loads skill and MCP descriptors into an immutable registry.
//
// Descriptors use YAML frontmatter for metadata and the markdown body as
// content:
//
//	---
//	name: hello
//	intents:
//	  - say hello
//	handler: reply
//	---
//
//	Hi {{owner}}.
//
// Skills live in SKILL.md files and declare trigger phrases; MCP servers live
// in MCP.md files and declare capabilities plus how to reach the server.
package plugins

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// SkillFileName is the expected filename for skill descriptors.
	SkillFileName = "SKILL.md"
	// MCPFileName is the expected filename for MCP server descriptors.
	MCPFileName = "MCP.md"
)

// MCP transports.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

const envPrefix = "env:"

var (
	ErrInvalidDescriptor = errors.New("invalid descriptor")
	ErrUnknownHandler    = errors.New("unknown handler")
	// ErrMissingSecret is returned when an env: config value names an unset variable.
	ErrMissingSecret = errors.New("missing secret")
)

// SkillDescriptor is a skill parsed from a SKILL.md file.
type SkillDescriptor struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Intents     []string          `yaml:"intents"`
	Handler     string            `yaml:"handler"`
	Config      map[string]string `yaml:"config"`

	// Body is the markdown after the frontmatter.
	Body     string `yaml:"-"`
	FilePath string `yaml:"-"`
}

// MCPDescriptor is an MCP server parsed from an MCP.md file.
type MCPDescriptor struct {
	Name         string            `yaml:"name"`
	Description  string            `yaml:"description"`
	Capabilities []string          `yaml:"capabilities"`
	Handler      string            `yaml:"handler"` // stdio or http
	Command      string            `yaml:"command"`
	Args         []string          `yaml:"args"`
	URL          string            `yaml:"url"`
	Config       map[string]string `yaml:"config"`

	Body     string `yaml:"-"`
	FilePath string `yaml:"-"`
}

// ParseSkillMD parses a SKILL.md file.
func ParseSkillMD(data []byte) (*SkillDescriptor, error) {
	frontmatter, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}
	var s SkillDescriptor
	if err := yaml.Unmarshal(frontmatter, &s); err != nil {
		return nil, fmt.Errorf("%w: failed to parse frontmatter: %v", ErrInvalidDescriptor, err)
	}
	s.Body = string(bytes.TrimSpace(body))
	return &s, nil
}

// ParseMCPMD parses an MCP.md file.
func ParseMCPMD(data []byte) (*MCPDescriptor, error) {
	frontmatter, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}
	var m MCPDescriptor
	if err := yaml.Unmarshal(frontmatter, &m); err != nil {
		return nil, fmt.Errorf("%w: failed to parse frontmatter: %v", ErrInvalidDescriptor, err)
	}
	m.Body = string(bytes.TrimSpace(body))
	return &m, nil
}

// Validate checks the skill against the handler table.
func (s *SkillDescriptor) Validate(handlers HandlerTable) error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: skill name is required", ErrInvalidDescriptor)
	}
	if len(nonEmpty(s.Intents)) == 0 {
		return fmt.Errorf("%w: skill %q declares no intents", ErrInvalidDescriptor, s.Name)
	}
	if s.Handler == "" {
		return fmt.Errorf("%w: skill %q has no handler", ErrInvalidDescriptor, s.Name)
	}
	if _, ok := handlers[s.Handler]; !ok {
		return fmt.Errorf("%w: skill %q references %q", ErrUnknownHandler, s.Name, s.Handler)
	}
	return nil
}

// Validate checks the MCP descriptor is reachable in principle.
func (m *MCPDescriptor) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("%w: mcp name is required", ErrInvalidDescriptor)
	}
	if len(nonEmpty(m.Capabilities)) == 0 {
		return fmt.Errorf("%w: mcp %q declares no capabilities", ErrInvalidDescriptor, m.Name)
	}
	switch m.Handler {
	case TransportStdio:
		if m.Command == "" {
			return fmt.Errorf("%w: mcp %q: stdio transport needs a command", ErrInvalidDescriptor, m.Name)
		}
	case TransportHTTP:
		if m.URL == "" {
			return fmt.Errorf("%w: mcp %q: http transport needs a url", ErrInvalidDescriptor, m.Name)
		}
	default:
		return fmt.Errorf("%w: mcp %q references transport %q", ErrUnknownHandler, m.Name, m.Handler)
	}
	return nil
}

// ResolveConfig returns the config with env: values replaced through lookup.
// Called at handoff time so secrets never sit in the registry or the job row.
func (m *MCPDescriptor) ResolveConfig(lookup func(string) (string, bool)) (map[string]string, error) {
	return resolveConfig(m.Name, m.Config, lookup)
}

// ResolveConfig is the skill counterpart of MCPDescriptor.ResolveConfig.
func (s *SkillDescriptor) ResolveConfig(lookup func(string) (string, bool)) (map[string]string, error) {
	return resolveConfig(s.Name, s.Config, lookup)
}

// SecretRefs lists the environment variables the config depends on.
func (m *MCPDescriptor) SecretRefs() []string {
	var refs []string
	for _, v := range m.Config {
		if strings.HasPrefix(v, envPrefix) {
			refs = append(refs, strings.TrimPrefix(v, envPrefix))
		}
	}
	return refs
}

func resolveConfig(name string, config map[string]string, lookup func(string) (string, bool)) (map[string]string, error) {
	out := make(map[string]string, len(config))
	var missing []string
	for k, v := range config {
		if !strings.HasPrefix(v, envPrefix) {
			out[k] = v
			continue
		}
		envName := strings.TrimPrefix(v, envPrefix)
		val, ok := lookup(envName)
		if !ok || val == "" {
			missing = append(missing, envName)
			continue
		}
		out[k] = val
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s needs %s", ErrMissingSecret, name, strings.Join(sortedCopy(missing), ", "))
	}
	return out, nil
}

// splitFrontmatter separates YAML frontmatter from markdown body.
// Frontmatter must be enclosed in --- markers at the start of the file.
func splitFrontmatter(data []byte) (frontmatter []byte, body []byte, err error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if !bytes.HasPrefix(data, []byte("---")) {
		return nil, nil, fmt.Errorf("%w: must start with --- (YAML frontmatter)", ErrInvalidDescriptor)
	}

	rest := bytes.TrimLeft(data[3:], " \t")
	if len(rest) > 0 && rest[0] == '\n' {
		rest = rest[1:]
	} else if len(rest) > 1 && rest[0] == '\r' && rest[1] == '\n' {
		rest = rest[2:]
	}

	closingIdx := bytes.Index(rest, []byte("\n---"))
	if closingIdx == -1 {
		return nil, nil, fmt.Errorf("%w: missing closing --- for frontmatter", ErrInvalidDescriptor)
	}

	frontmatter = bytes.TrimSuffix(rest[:closingIdx], []byte("\r"))
	body = rest[closingIdx+4:]
	return frontmatter, body, nil
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
