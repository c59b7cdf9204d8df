// Package intent maps an inbound message to exactly one Intent.
//
// Resolution order, first match wins:
//
//  1. a conversation mid-wizard forces WIZARD_STEP
//  2. built-in command vocabulary, exact then fuzzy
//  3. plugin trigger phrases, longest match
//  4. UNRECOGNIZED
package intent

import (
	"strings"

	"github.com/neboloop/foreman/internal/plugins"
	"github.com/neboloop/foreman/internal/wizard"
)

// Kind identifies what the message asks for.
type Kind string

const (
	KindWizardStep   Kind = "WIZARD_STEP"
	KindStartProject Kind = "START_PROJECT"
	KindStatus       Kind = "STATUS"
	KindInbox        Kind = "INBOX"
	KindJobHistory   Kind = "JOB_HISTORY"
	KindDispatch     Kind = "DISPATCH"
	KindCancel       Kind = "CANCEL"
	KindHelp         Kind = "HELP"
	KindSkill        Kind = "SKILL"
	KindUnrecognized Kind = "UNRECOGNIZED"
)

// Intent is the classification of one message.
type Intent struct {
	Kind Kind
	// Skill is the matched skill name for KindSkill.
	Skill string
	// Args is the normalised text after the matched phrase.
	Args string
	// Text is the raw message.
	Text string
}

type command struct {
	phrase string
	kind   Kind
	// withArgs commands must start the message; the rest becomes Args.
	withArgs bool
}

// Vocabulary order is the tie-break order for fuzzy matches.
var vocabulary = []command{
	{phrase: "start project", kind: KindStartProject},
	{phrase: "new project", kind: KindStartProject},
	{phrase: "create project", kind: KindStartProject},
	{phrase: "build project", kind: KindStartProject},
	{phrase: "launch project", kind: KindStartProject},
	{phrase: "build an app", kind: KindStartProject},
	{phrase: "create app", kind: KindStartProject},
	{phrase: "new app", kind: KindStartProject},
	{phrase: "start build", kind: KindStartProject},

	{phrase: "job history", kind: KindJobHistory},
	{phrase: "past jobs", kind: KindJobHistory},
	{phrase: "completed jobs", kind: KindJobHistory},
	{phrase: "show jobs", kind: KindJobHistory},

	{phrase: "inbox", kind: KindInbox},
	{phrase: "pending", kind: KindInbox},

	{phrase: "status", kind: KindStatus},
	{phrase: "report", kind: KindStatus},
	{phrase: "what s happening", kind: KindStatus},

	{phrase: "dispatch", kind: KindDispatch, withArgs: true},
	{phrase: "run job", kind: KindDispatch, withArgs: true},
	{phrase: "cancel job", kind: KindCancel, withArgs: true},
	{phrase: "stop job", kind: KindCancel, withArgs: true},
	{phrase: "abort job", kind: KindCancel, withArgs: true},
	{phrase: "cancel", kind: KindCancel, withArgs: true},

	{phrase: "help", kind: KindHelp},
	{phrase: "/start", kind: KindHelp},
	{phrase: "/help", kind: KindHelp},
	{phrase: "commands", kind: KindHelp},
}

// Classify resolves message. It has no side effects and is total.
func Classify(message string, conv *wizard.Conversation, triggers plugins.Triggers) Intent {
	if conv.MidWizard() {
		return Intent{Kind: KindWizardStep, Args: strings.TrimSpace(message), Text: message}
	}

	text := plugins.Normalize(message)
	if text == "" {
		return Intent{Kind: KindUnrecognized, Text: message}
	}

	if in, ok := matchExact(text); ok {
		in.Text = message
		return in
	}
	if in, ok := matchFuzzy(text); ok {
		in.Text = message
		return in
	}

	if t, ok := triggers.Match(text); ok {
		return Intent{Kind: KindSkill, Skill: t.Skill, Args: remainder(text, t.Phrase), Text: message}
	}

	return Intent{Kind: KindUnrecognized, Text: message}
}

// matchExact picks the longest built-in phrase contained in text.
func matchExact(text string) (Intent, bool) {
	padded := " " + text + " "
	var (
		best  command
		found bool
	)
	for _, c := range vocabulary {
		var hit bool
		if c.withArgs {
			hit = text == c.phrase || strings.HasPrefix(text, c.phrase+" ")
		} else {
			hit = strings.Contains(padded, " "+c.phrase+" ")
		}
		if hit && (!found || len(c.phrase) > len(best.phrase)) {
			best, found = c, true
		}
	}
	if !found {
		return Intent{}, false
	}
	in := Intent{Kind: best.kind}
	if best.withArgs {
		in.Args = strings.TrimSpace(strings.TrimPrefix(text, best.phrase))
	}
	return in, true
}

// matchFuzzy tolerates typos in a message that is only a command phrase.
// Phrases under four runes never match fuzzily; up to seven runes allow one
// edit, longer phrases two.
func matchFuzzy(text string) (Intent, bool) {
	var (
		best     command
		bestDist = -1
	)
	for _, c := range vocabulary {
		n := len([]rune(c.phrase))
		if n < 4 {
			continue
		}
		maxDist := 1
		if n >= 8 {
			maxDist = 2
		}
		d := boundedLevenshtein(text, c.phrase, maxDist)
		if d == nil {
			continue
		}
		if bestDist < 0 || *d < bestDist {
			best, bestDist = c, *d
		}
	}
	if bestDist < 0 {
		return Intent{}, false
	}
	return Intent{Kind: best.kind}, true
}

func remainder(text, phrase string) string {
	idx := strings.Index(" "+text+" ", " "+phrase+" ")
	if idx < 0 {
		return ""
	}
	rest := text[:idx] + " " + text[min(idx+len(phrase), len(text)):]
	return strings.Join(strings.Fields(rest), " ")
}

// boundedLevenshtein returns the edit distance between a and b, or nil when
// it exceeds maxDist.
func boundedLevenshtein(a, b string, maxDist int) *int {
	if a == b {
		zero := 0
		return &zero
	}
	r1 := []rune(a)
	r2 := []rune(b)
	len1, len2 := len(r1), len(r2)
	if len1 == 0 || len2 == 0 || abs(len1-len2) > maxDist {
		return nil
	}

	prev := make([]int, len2+1)
	curr := make([]int, len2+1)
	for j := 0; j <= len2; j++ {
		prev[j] = j
	}

	for i := 1; i <= len1; i++ {
		curr[0] = i
		rowMin := curr[0]
		for j := 1; j <= len2; j++ {
			cost := 0
			if r1[i-1] != r2[j-1] {
				cost = 1
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
			if curr[j] < rowMin {
				rowMin = curr[j]
			}
		}
		// every later row is at least rowMin
		if rowMin > maxDist {
			return nil
		}
		prev, curr = curr, prev
	}

	if prev[len2] > maxDist {
		return nil
	}
	d := prev[len2]
	return &d
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
