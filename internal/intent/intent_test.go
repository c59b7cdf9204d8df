package intent

import (
	"testing"
	"time"

	"github.com/neboloop/foreman/internal/plugins"
	"github.com/neboloop/foreman/internal/wizard"
)

var triggers = plugins.Triggers{
	{Phrase: "say hello", Skill: "hello"},
	{Phrase: "deploy", Skill: "deploy"},
	{Phrase: "deploy to production", Skill: "deploy-prod"},
	{Phrase: "ship it", Skill: "zeta"},
	{Phrase: "ship it", Skill: "alpha"},
}

func TestClassify(t *testing.T) {
	tests := []struct {
		message   string
		wantKind  Kind
		wantSkill string
		wantArgs  string
	}{
		{"start project", KindStartProject, "", ""},
		{"Hey, can we START a NEW PROJECT?", KindStartProject, "", ""},
		{"status", KindStatus, "", ""},
		{"give me a full report", KindStatus, "", ""},
		{"what's happening", KindStatus, "", ""},
		{"inbox", KindInbox, "", ""},
		{"job history", KindJobHistory, "", ""},
		{"dispatch 1a2b3c", KindDispatch, "", "1a2b3c"},
		{"cancel job 1a2b3c", KindCancel, "", "1a2b3c"},
		{"cancel", KindCancel, "", ""},
		{"/start", KindHelp, "", ""},
		{"statis", KindStatus, "", ""},
		{"job histroy", KindJobHistory, "", ""},
		{"inbx", KindInbox, "", ""},
		{"please say hello", KindSkill, "hello", "please"},
		{"deploy to production tonight", KindSkill, "deploy-prod", "tonight"},
		{"ship it", KindSkill, "alpha", ""},
		{"redeploy", KindUnrecognized, "", ""},
		{"", KindUnrecognized, "", ""},
		{"!!!", KindUnrecognized, "", ""},
		{"what is the weather", KindUnrecognized, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			got := Classify(tt.message, nil, triggers)
			if got.Kind != tt.wantKind {
				t.Fatalf("Classify(%q).Kind = %s, want %s", tt.message, got.Kind, tt.wantKind)
			}
			if got.Skill != tt.wantSkill {
				t.Errorf("Skill = %q, want %q", got.Skill, tt.wantSkill)
			}
			if got.Args != tt.wantArgs {
				t.Errorf("Args = %q, want %q", got.Args, tt.wantArgs)
			}
			if got.Text != tt.message {
				t.Errorf("Text = %q, want raw message", got.Text)
			}
		})
	}
}

func TestClassifyMidWizardWins(t *testing.T) {
	conv := &wizard.Conversation{Owner: "U1", Step: 1, Answers: []string{"Acme"}, StartedAt: time.Now(), UpdatedAt: time.Now()}

	for _, msg := range []string{"status", "say hello", "anything at all"} {
		got := Classify(msg, conv, triggers)
		if got.Kind != KindWizardStep {
			t.Errorf("Classify(%q) mid-wizard = %s, want WIZARD_STEP", msg, got.Kind)
		}
	}

	done := &wizard.Conversation{Owner: "U1", Step: wizard.NumSteps()}
	if got := Classify("status", done, triggers); got.Kind != KindStatus {
		t.Errorf("finished conversation should not force WIZARD_STEP, got %s", got.Kind)
	}
}

func TestClassifyBuiltinsBeforePlugins(t *testing.T) {
	ts := plugins.Triggers{{Phrase: "status", Skill: "shadow"}}
	if got := Classify("status", nil, ts); got.Kind != KindStatus {
		t.Errorf("built-in should win, got %s", got.Kind)
	}
}

func TestBoundedLevenshtein(t *testing.T) {
	tests := []struct {
		a, b    string
		max     int
		want    int
		wantNil bool
	}{
		{"status", "status", 1, 0, false},
		{"stauts", "status", 2, 2, false},
		{"stauts", "status", 1, 0, true},
		{"inbx", "inbox", 1, 1, false},
		{"a", "abcdef", 2, 0, true},
		{"", "x", 2, 0, true},
	}
	for _, tt := range tests {
		got := boundedLevenshtein(tt.a, tt.b, tt.max)
		if tt.wantNil {
			if got != nil {
				t.Errorf("boundedLevenshtein(%q, %q, %d) = %d, want nil", tt.a, tt.b, tt.max, *got)
			}
			continue
		}
		if got == nil || *got != tt.want {
			t.Errorf("boundedLevenshtein(%q, %q, %d) = %v, want %d", tt.a, tt.b, tt.max, got, tt.want)
		}
	}
}
