package plugins

import (
	"context"
	"fmt"
	"strings"
)

// Request is what a skill handler receives when its trigger matches.
type Request struct {
	Owner string
	// Args is the message text left after the matched trigger phrase.
	Args  string
	Skill *SkillDescriptor
}

// Handler executes a skill and returns the reply text.
type Handler func(ctx context.Context, req Request) (string, error)

// HandlerTable maps descriptor handler keys to compiled-in handlers.
// Descriptors only reference entries; loading never runs handler code.
type HandlerTable map[string]Handler

// BuiltinHandlers returns the handlers shipped with the binary.
func BuiltinHandlers() HandlerTable {
	return HandlerTable{
		"reply": replyHandler,
		"help":  helpHandler,
	}
}

// replyHandler answers with the descriptor body.
func replyHandler(_ context.Context, req Request) (string, error) {
	if req.Skill.Body == "" {
		return "", fmt.Errorf("skill %s has an empty body", req.Skill.Name)
	}
	r := strings.NewReplacer("{{args}}", req.Args, "{{owner}}", req.Owner)
	return r.Replace(req.Skill.Body), nil
}

// helpHandler lists the skill's trigger phrases under its description.
func helpHandler(_ context.Context, req Request) (string, error) {
	var sb strings.Builder
	if req.Skill.Description != "" {
		sb.WriteString(req.Skill.Description)
		sb.WriteString("\n")
	}
	sb.WriteString("Try:")
	for _, phrase := range req.Skill.Intents {
		sb.WriteString("\n- ")
		sb.WriteString(phrase)
	}
	return sb.String(), nil
}
