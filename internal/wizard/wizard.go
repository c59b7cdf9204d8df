// Package wizard is the onboarding dialogue that turns four answers into a
// founder job draft. It is pure: callers persist the Conversation and act on
// the returned Outcome.
package wizard

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Status is where a conversation stands after an answer.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusComplete   Status = "COMPLETE"
	StatusAbandoned  Status = "ABANDONED"
)

// SkipMCP is the mcp answer meaning "no MCP servers".
const SkipMCP = "skip-mcp"

const maxNameLen = 50

var (
	ErrValidation = errors.New("invalid answer")
	// ErrFinished is returned when Advance is called on a completed conversation.
	ErrFinished = errors.New("conversation already complete")
)

// ValidationError carries the reason an answer was rejected and the prompt
// to show again. The conversation is unchanged.
type ValidationError struct {
	Step   string
	Reason string
	Prompt string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Step, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Conversation is an owner's dialogue state. Step is the index of the next
// question; Answers holds one normalised answer per completed step.
type Conversation struct {
	Owner     string
	Step      int
	Answers   []string
	StartedAt time.Time
	UpdatedAt time.Time
}

// MidWizard reports whether the conversation still expects answers.
func (c *Conversation) MidWizard() bool {
	return c != nil && c.Step < len(steps)
}

func (c *Conversation) clone() *Conversation {
	cp := *c
	cp.Answers = append([]string(nil), c.Answers...)
	return &cp
}

// Outcome is the result of one accepted answer.
type Outcome struct {
	Status       Status
	Conversation *Conversation
	// Prompt is the next question while in progress.
	Prompt string
}

// Payload is the founder job draft built from a completed conversation.
type Payload struct {
	Name        string
	Description string
	Stack       string
	MCP         string
}

// MCPServers splits the mcp answer into server names. Empty for skip-mcp.
func (p Payload) MCPServers() []string {
	if p.MCP == "" || p.MCP == SkipMCP {
		return nil
	}
	return splitList(p.MCP)
}

// StackChoices are the accepted answers to the stack question.
var StackChoices = []string{"web", "web-app", "api", "mobile", "automation", "cli", "other"}

var stackAliases = map[string]string{
	"website": "web",
	"webapp":  "web-app",
	"app":     "mobile",
	"bot":     "automation",
}

var cancelWords = map[string]bool{"cancel": true, "stop": true, "abort": true}

var skipWords = map[string]bool{SkipMCP: true, "skip": true, "none": true, "no": true}

var nameDisallowed = regexp.MustCompile(`[^a-zA-Z0-9 _-]`)

type step struct {
	key    string
	prompt string
	// normalize validates the raw answer and returns the stored form.
	normalize func(m *Machine, answer string) (string, error)
}

var steps = []step{
	{
		key:       "name",
		prompt:    "Step 1/4: Project name\nWhat are we building? (e.g. TaskFlow, CryptoBot)",
		normalize: normalizeName,
	},
	{
		key:       "description",
		prompt:    "Step 2/4: Audience and purpose\nWho is this for and what is the main goal, in one sentence?",
		normalize: normalizeText,
	},
	{
		key:       "stack",
		prompt:    "Step 3/4: Stack\nPick one: " + strings.Join(StackChoices, " · "),
		normalize: normalizeStack,
	},
	{
		key:       "mcp",
		prompt:    "Step 4/4: MCP servers\nList the MCP servers the build needs, comma separated (e.g. github, supabase), or skip-mcp.",
		normalize: normalizeMCP,
	},
}

// NumSteps is the number of questions.
func NumSteps() int { return len(steps) }

// Machine drives conversations.
type Machine struct {
	idleTimeout time.Duration
	knownMCP    func(name string) bool
}

// Option configures a Machine.
type Option func(*Machine)

// WithMCPResolver rejects mcp answers naming servers for which known returns false.
func WithMCPResolver(known func(name string) bool) Option {
	return func(m *Machine) { m.knownMCP = known }
}

// New creates a Machine with the given idle timeout.
func New(idleTimeout time.Duration, opts ...Option) *Machine {
	m := &Machine{idleTimeout: idleTimeout}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IdleTimeout returns the configured idle window.
func (m *Machine) IdleTimeout() time.Duration { return m.idleTimeout }

// Start returns a fresh conversation and the first prompt.
func (m *Machine) Start(owner string, now time.Time) (*Conversation, string) {
	return &Conversation{Owner: owner, StartedAt: now, UpdatedAt: now}, steps[0].prompt
}

// Prompt returns the question for the conversation's current step.
func (m *Machine) Prompt(c *Conversation) string {
	if !c.MidWizard() {
		return ""
	}
	return steps[c.Step].prompt
}

// Advance applies one answer. A cancellation word abandons the conversation;
// an invalid answer returns a *ValidationError and leaves conv untouched.
// conv itself is never modified; the updated state is in the Outcome.
func (m *Machine) Advance(conv *Conversation, answer string, now time.Time) (Outcome, error) {
	if !conv.MidWizard() {
		return Outcome{}, ErrFinished
	}
	if IsCancel(answer) {
		return Outcome{Status: StatusAbandoned, Conversation: conv.clone()}, nil
	}

	st := steps[conv.Step]
	value, err := st.normalize(m, answer)
	if err != nil {
		return Outcome{}, &ValidationError{Step: st.key, Reason: err.Error(), Prompt: st.prompt}
	}

	next := conv.clone()
	next.Answers = append(next.Answers[:conv.Step], value)
	next.Step++
	next.UpdatedAt = now

	if next.Step == len(steps) {
		return Outcome{Status: StatusComplete, Conversation: next}, nil
	}
	return Outcome{Status: StatusInProgress, Conversation: next, Prompt: steps[next.Step].prompt}, nil
}

// Expired reports whether no answer arrived within the idle timeout.
func (m *Machine) Expired(conv *Conversation, now time.Time) bool {
	return now.Sub(conv.UpdatedAt) >= m.idleTimeout
}

// Draft converts a conversation's answers, in step order, into a payload.
func Draft(conv *Conversation) Payload {
	get := func(i int) string {
		if i < len(conv.Answers) {
			return conv.Answers[i]
		}
		return ""
	}
	return Payload{
		Name:        get(0),
		Description: get(1),
		Stack:       get(2),
		MCP:         get(3),
	}
}

// IsCancel reports whether text is one of the cancellation words.
func IsCancel(text string) bool {
	return cancelWords[strings.ToLower(strings.TrimSpace(text))]
}

func normalizeName(_ *Machine, answer string) (string, error) {
	name := strings.TrimSpace(nameDisallowed.ReplaceAllString(strings.TrimSpace(answer), ""))
	if name == "" {
		return "", errors.New("use letters, numbers, spaces, dashes or underscores")
	}
	if utf8.RuneCountInString(name) > maxNameLen {
		name = strings.TrimSpace(name[:maxNameLen])
	}
	return name, nil
}

func normalizeText(_ *Machine, answer string) (string, error) {
	text := strings.TrimSpace(answer)
	if text == "" {
		return "", errors.New("an answer is required")
	}
	return text, nil
}

func normalizeStack(_ *Machine, answer string) (string, error) {
	choice := strings.ToLower(strings.TrimSpace(answer))
	if n, err := strconv.Atoi(choice); err == nil && n >= 1 && n <= len(StackChoices) {
		return StackChoices[n-1], nil
	}
	if alias, ok := stackAliases[choice]; ok {
		return alias, nil
	}
	for _, c := range StackChoices {
		if c == choice {
			return c, nil
		}
	}
	return "", fmt.Errorf("choose one of %s", strings.Join(StackChoices, ", "))
}

func normalizeMCP(m *Machine, answer string) (string, error) {
	text := strings.ToLower(strings.TrimSpace(answer))
	if text == "" {
		return "", fmt.Errorf("list MCP servers or answer %s", SkipMCP)
	}
	if skipWords[text] {
		return SkipMCP, nil
	}
	names := splitList(text)
	if len(names) == 0 {
		return "", fmt.Errorf("list MCP servers or answer %s", SkipMCP)
	}
	if m.knownMCP != nil {
		var unknown []string
		for _, n := range names {
			if !m.knownMCP(n) {
				unknown = append(unknown, n)
			}
		}
		if len(unknown) > 0 {
			return "", fmt.Errorf("unknown MCP server %s", strings.Join(unknown, ", "))
		}
	}
	return strings.Join(names, ", "), nil
}

func splitList(s string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' }) {
		part = strings.TrimSpace(part)
		if part == "" || seen[part] {
			continue
		}
		seen[part] = true
		out = append(out, part)
	}
	return out
}
