package wizard

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func run(t *testing.T, m *Machine, answers ...string) (Outcome, *Conversation) {
	t.Helper()
	conv, _ := m.Start("U1", t0)
	var out Outcome
	for i, a := range answers {
		var err error
		out, err = m.Advance(conv, a, t0.Add(time.Duration(i+1)*time.Minute))
		if err != nil {
			t.Fatalf("Advance(%q) error = %v", a, err)
		}
		conv = out.Conversation
	}
	return out, conv
}

func TestWizardExamplePayload(t *testing.T) {
	m := New(30 * time.Minute)
	out, conv := run(t, m, "Acme App", "A todo app", "web", "skip-mcp")

	if out.Status != StatusComplete {
		t.Fatalf("Status = %s, want COMPLETE", out.Status)
	}
	want := Payload{Name: "Acme App", Description: "A todo app", Stack: "web", MCP: "skip-mcp"}
	if got := Draft(conv); got != want {
		t.Errorf("Draft() = %+v, want %+v", got, want)
	}
	if conv.MidWizard() {
		t.Error("completed conversation should not be mid-wizard")
	}
	if len(Draft(conv).MCPServers()) != 0 {
		t.Error("skip-mcp should yield no servers")
	}
}

func TestAdvanceProgression(t *testing.T) {
	m := New(time.Hour)
	conv, prompt := m.Start("U1", t0)
	if !strings.Contains(prompt, "1/4") {
		t.Errorf("first prompt = %q", prompt)
	}

	out, err := m.Advance(conv, "Acme", t0)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusInProgress || out.Conversation.Step != 1 || !strings.Contains(out.Prompt, "2/4") {
		t.Errorf("unexpected outcome %+v", out)
	}
	if conv.Step != 0 || len(conv.Answers) != 0 {
		t.Error("Advance must not modify its input")
	}
}

func TestValidationRejectsWithoutMutation(t *testing.T) {
	m := New(time.Hour)
	tests := []struct {
		name   string
		prefix []string
		answer string
		step   string
	}{
		{"empty name", nil, "   ", "name"},
		{"name with only symbols", nil, "!!!", "name"},
		{"empty description", []string{"Acme"}, "", "description"},
		{"bad stack", []string{"Acme", "todo"}, "mainframe", "stack"},
		{"empty mcp", []string{"Acme", "todo", "web"}, " ", "mcp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, conv := run(t, m, tt.prefix...)
			before := *conv
			_, err := m.Advance(conv, tt.answer, t0.Add(time.Hour))

			var verr *ValidationError
			if !errors.As(err, &verr) || !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Step != tt.step || verr.Prompt == "" {
				t.Errorf("unexpected validation error %+v", verr)
			}
			if conv.Step != before.Step || len(conv.Answers) != len(before.Answers) || !conv.UpdatedAt.Equal(before.UpdatedAt) {
				t.Error("conversation mutated on validation failure")
			}
		})
	}
}

func TestNameCleaning(t *testing.T) {
	m := New(time.Hour)
	_, conv := run(t, m, "  <script>Acme</script> App!  ")
	if conv.Answers[0] != "scriptAcmescript App" {
		t.Errorf("cleaned name = %q", conv.Answers[0])
	}

	_, conv = run(t, m, strings.Repeat("a", 80))
	if len(conv.Answers[0]) != 50 {
		t.Errorf("name length = %d, want 50", len(conv.Answers[0]))
	}
}

func TestStackChoices(t *testing.T) {
	m := New(time.Hour)
	for answer, want := range map[string]string{"WEB": "web", "2": "web-app", "website": "web", "cli": "cli"} {
		_, conv := run(t, m, "Acme", "todo", answer)
		if conv.Answers[2] != want {
			t.Errorf("stack %q -> %q, want %q", answer, conv.Answers[2], want)
		}
	}
}

func TestMCPAnswer(t *testing.T) {
	known := func(name string) bool { return name == "github" || name == "supabase" }
	m := New(time.Hour, WithMCPResolver(known))

	_, conv := run(t, m, "Acme", "todo", "web", "GitHub, supabase, github")
	if got := Draft(conv).MCPServers(); len(got) != 2 || got[0] != "github" || got[1] != "supabase" {
		t.Errorf("MCPServers() = %v", got)
	}

	_, conv = run(t, m, "Acme", "todo", "web")
	_, err := m.Advance(conv, "slack", t0)
	if !errors.Is(err, ErrValidation) || !strings.Contains(err.Error(), "slack") {
		t.Errorf("expected unknown server rejection, got %v", err)
	}

	_, conv = run(t, m, "Acme", "todo", "web", "none")
	if conv.Answers[3] != SkipMCP {
		t.Errorf("none should normalise to %s, got %q", SkipMCP, conv.Answers[3])
	}
}

func TestCancel(t *testing.T) {
	m := New(time.Hour)
	for _, word := range []string{"cancel", " STOP ", "abort"} {
		_, conv := run(t, m, "Acme")
		out, err := m.Advance(conv, word, t0)
		if err != nil {
			t.Fatal(err)
		}
		if out.Status != StatusAbandoned {
			t.Errorf("%q: Status = %s, want ABANDONED", word, out.Status)
		}
	}
}

func TestAdvanceAfterComplete(t *testing.T) {
	m := New(time.Hour)
	_, conv := run(t, m, "Acme", "todo", "web", "skip-mcp")
	if _, err := m.Advance(conv, "more", t0); !errors.Is(err, ErrFinished) {
		t.Errorf("expected ErrFinished, got %v", err)
	}
}

func TestExpired(t *testing.T) {
	m := New(30 * time.Minute)
	conv, _ := m.Start("U1", t0)

	if m.Expired(conv, t0.Add(29*time.Minute)) {
		t.Error("expired too early")
	}
	if !m.Expired(conv, t0.Add(30*time.Minute)) {
		t.Error("should expire at the timeout")
	}
}
