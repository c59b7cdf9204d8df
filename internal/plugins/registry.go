package plugins

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/neboloop/foreman/internal/logging"
)

// ErrDuplicateRegistration is the sentinel behind DuplicateRegistrationError.
var ErrDuplicateRegistration = errors.New("duplicate registration")

// DuplicateRegistrationError names the two descriptors that claimed Name.
type DuplicateRegistrationError struct {
	Name   string
	First  string
	Second string
}

func (e *DuplicateRegistrationError) Error() string {
	return fmt.Sprintf("duplicate registration of %q: %s and %s", e.Name, e.First, e.Second)
}

func (e *DuplicateRegistrationError) Unwrap() error { return ErrDuplicateRegistration }

// Trigger is one normalised skill trigger phrase.
type Trigger struct {
	Phrase string
	Skill  string
}

// Triggers is the trigger table of a registry.
type Triggers []Trigger

// Match returns the trigger whose phrase occurs in text as whole words.
// The longest phrase wins; ties go to the skill name that sorts first.
// text must already be normalised with Normalize.
func (ts Triggers) Match(text string) (Trigger, bool) {
	padded := " " + text + " "
	var (
		best  Trigger
		found bool
	)
	for _, t := range ts {
		if !strings.Contains(padded, " "+t.Phrase+" ") {
			continue
		}
		if !found ||
			len(t.Phrase) > len(best.Phrase) ||
			(len(t.Phrase) == len(best.Phrase) && t.Skill < best.Skill) {
			best, found = t, true
		}
	}
	return best, found
}

// Normalize lowercases s, turns punctuation into spaces and collapses runs
// of whitespace.
func Normalize(s string) string {
	var sb strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == '/' {
			sb.WriteRune(r)
			lastSpace = false
			continue
		}
		if !lastSpace {
			sb.WriteByte(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(sb.String())
}

// Registry is an immutable table of skills and MCP servers.
type Registry struct {
	skills   map[string]*SkillDescriptor
	mcps     map[string]*MCPDescriptor
	handlers HandlerTable
	triggers Triggers
}

// Load reads every source and builds a registry. A source is a directory,
// walked for SKILL.md and MCP.md files, a single descriptor file, or a glob
// pattern matching either. Missing directories contribute nothing. Any
// invalid or duplicate descriptor fails the whole load.
func Load(sources []string, handlers HandlerTable) (*Registry, error) {
	r := &Registry{
		skills:   make(map[string]*SkillDescriptor),
		mcps:     make(map[string]*MCPDescriptor),
		handlers: handlers,
	}
	origin := make(map[string]string) // name -> file

	expanded, err := ExpandSources(sources)
	if err != nil {
		return nil, err
	}
	for _, src := range expanded {
		files, err := descriptorFiles(src)
		if err != nil {
			return nil, err
		}
		for _, path := range files {
			if err := r.loadFile(path, origin); err != nil {
				return nil, err
			}
		}
	}

	for _, s := range r.skills {
		for _, phrase := range s.Intents {
			if p := Normalize(phrase); p != "" {
				r.triggers = append(r.triggers, Trigger{Phrase: p, Skill: s.Name})
			}
		}
	}
	sort.Slice(r.triggers, func(i, j int) bool {
		if r.triggers[i].Skill != r.triggers[j].Skill {
			return r.triggers[i].Skill < r.triggers[j].Skill
		}
		return r.triggers[i].Phrase < r.triggers[j].Phrase
	})

	logging.Infof("[plugins] Loaded %d skills and %d MCP servers", len(r.skills), len(r.mcps))
	return r, nil
}

func descriptorFiles(src string) ([]string, error) {
	info, err := os.Stat(src)
	if os.IsNotExist(err) {
		logging.Debugf("[plugins] Source %s does not exist, skipping", src)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", src, err)
	}
	if !info.IsDir() {
		if descriptorKind(src) == "" {
			return nil, fmt.Errorf("%w: %s is not a SKILL.md or MCP.md file", ErrInvalidDescriptor, src)
		}
		return []string{src}, nil
	}

	var files []string
	err = doublestar.GlobWalk(os.DirFS(src), "**/*.[mM][dD]", func(path string, d fs.DirEntry) error {
		if !d.IsDir() && descriptorKind(path) != "" {
			files = append(files, filepath.Join(src, filepath.FromSlash(path)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", src, err)
	}
	sort.Strings(files)
	return files, nil
}

// ExpandSources resolves glob patterns in sources (doublestar syntax, such
// as ~/work/*/skills or plugins/**/MCP.md). Plain paths pass through whether
// or not they exist.
func ExpandSources(sources []string) ([]string, error) {
	var out []string
	for _, src := range sources {
		if !strings.ContainsAny(src, "*?[{") {
			out = append(out, src)
			continue
		}
		if !doublestar.ValidatePathPattern(src) {
			return nil, fmt.Errorf("%w: bad source pattern %q", ErrInvalidDescriptor, src)
		}
		matches, err := doublestar.FilepathGlob(src)
		if err != nil {
			return nil, fmt.Errorf("expand %s: %w", src, err)
		}
		sort.Strings(matches)
		out = append(out, matches...)
	}
	return out, nil
}

func descriptorKind(path string) string {
	base := filepath.Base(path)
	switch {
	case strings.EqualFold(base, SkillFileName):
		return "skill"
	case strings.EqualFold(base, MCPFileName):
		return "mcp"
	}
	return ""
}

func (r *Registry) loadFile(path string, origin map[string]string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	var name string
	switch descriptorKind(path) {
	case "skill":
		s, err := ParseSkillMD(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := s.Validate(r.handlers); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		s.FilePath = path
		name = s.Name
		if err := claim(origin, name, path); err != nil {
			return err
		}
		r.skills[name] = s
	case "mcp":
		m, err := ParseMCPMD(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := m.Validate(); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		m.FilePath = path
		name = m.Name
		if err := claim(origin, name, path); err != nil {
			return err
		}
		r.mcps[name] = m
	}
	logging.Debugf("[plugins] Loaded %s from %s", name, path)
	return nil
}

// claim registers name for path. Skills and MCP servers share one namespace.
func claim(origin map[string]string, name, path string) error {
	if first, ok := origin[name]; ok {
		return &DuplicateRegistrationError{Name: name, First: first, Second: path}
	}
	origin[name] = path
	return nil
}

// Resolve returns the handler and descriptor of a skill by name.
func (r *Registry) Resolve(skill string) (Handler, *SkillDescriptor, bool) {
	s, ok := r.skills[skill]
	if !ok {
		return nil, nil, false
	}
	h, ok := r.handlers[s.Handler]
	if !ok {
		return nil, nil, false
	}
	return h, s, true
}

// ResolveCapability returns the MCP server registered under name, or else
// the first server (by name) that declares name as a capability.
func (r *Registry) ResolveCapability(name string) (*MCPDescriptor, bool) {
	name = strings.TrimSpace(name)
	if m, ok := r.mcps[name]; ok {
		return m, true
	}
	all := r.MCPs()
	for _, m := range all {
		if strings.EqualFold(m.Name, name) {
			return m, true
		}
	}
	for _, m := range all {
		for _, c := range m.Capabilities {
			if strings.EqualFold(c, name) {
				return m, true
			}
		}
	}
	return nil, false
}

// Triggers returns the registry's trigger table.
func (r *Registry) Triggers() Triggers {
	if r == nil {
		return nil
	}
	return r.triggers
}

// Skills returns every skill sorted by name.
func (r *Registry) Skills() []*SkillDescriptor {
	out := make([]*SkillDescriptor, 0, len(r.skills))
	for _, s := range r.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MCPs returns every MCP server sorted by name.
func (r *Registry) MCPs() []*MCPDescriptor {
	out := make([]*MCPDescriptor, 0, len(r.mcps))
	for _, m := range r.mcps {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
