package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/skillmesh/core"
	"github.com/hupe1980/skillmesh/engine"
	"github.com/hupe1980/skillmesh/model"
)

// OutputKind selects how an advisor answer is turned into outputs.
type OutputKind string

const (
	// OutputCode returns the answer as "code" with its "language".
	OutputCode OutputKind = "code"
	// OutputSchema parses the answer as JSON and returns it as "schema". An
	// object carrying both "schema" and "evidence" keys is split into the
	// two outputs.
	OutputSchema OutputKind = "schema"
)

// AdvisorSkillOptions configures an AdvisorSkill instance.
//
// Use functional options with NewAdvisorSkill to override defaults.
type AdvisorSkillOptions struct {
	System Instruction
	// Prompt defaults to the "prompt" input.
	Prompt    Instruction
	Output    OutputKind
	Language  string
	MaxTokens int64
}

// advisorLogger is implemented by loggers that record model calls.
type advisorLogger interface {
	LogAdvisorCall(model string, dur time.Duration, success bool, err error)
}

// AdvisorSkill is a skill implementation that asks a language model for
// generated code or a JSON schema.
//
// Its output is never trusted: registered under a mixed or advisor mode
// contract, the executor runs the advisor output validator over everything it
// returns before the result leaves Execute.
//
// When the skill runs inside a FixLoop the errors of the previous iteration
// are appended to the prompt.
type AdvisorSkill struct {
	name string
	llm  model.Model
	opts AdvisorSkillOptions
}

// NewAdvisorSkill creates an advisor skill backed by llm.
//
// Defaults: code output in Go, the prompt taken from the "prompt" input.
func NewAdvisorSkill(name string, llm model.Model, optFns ...func(o *AdvisorSkillOptions)) *AdvisorSkill {
	opts := AdvisorSkillOptions{
		System:   NewInstructionFromText(fmt.Sprintf("You are %s. Answer with the requested artifact only.", name)),
		Output:   OutputCode,
		Language: "go",
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &AdvisorSkill{
		name: name,
		llm:  llm,
		opts: opts,
	}
}

// Name returns the skill name.
func (a *AdvisorSkill) Name() string { return a.name }

// Run implements engine.Implementation.
func (a *AdvisorSkill) Run(ec *core.ExecutionContext) (core.Outcome, error) {
	if err := ec.CheckDeadline(); err != nil {
		return nil, err
	}

	req, err := a.buildRequest(ec)
	if err != nil {
		return nil, err
	}

	info := a.llm.Info()
	ec.LogDebug("advisor.generate.start", "skill", a.name, "model", info.Name, "provider", info.Provider)

	start := time.Now()
	resp, err := a.llm.Generate(ec.Context, req)
	if l, ok := ec.Logger().(advisorLogger); ok {
		l.LogAdvisorCall(info.Name, time.Since(start), err == nil, err)
	}
	if err != nil {
		return nil, fmt.Errorf("advisor %s: %w", info.Name, err)
	}
	if resp.Usage != nil {
		ec.Trace("advisor", fmt.Sprintf("model=%s prompt_tokens=%d completion_tokens=%d", info.Name, resp.Usage.PromptTokens, resp.Usage.CompletionTokens))
	}

	// The answer is discarded when the deadline passed while waiting.
	if err := ec.CheckDeadline(); err != nil {
		return nil, err
	}

	outputs, err := a.outputs(resp.Text)
	if err != nil {
		return nil, err
	}
	outputs["model"] = info.Name
	return core.Outputs(outputs), nil
}

func (a *AdvisorSkill) buildRequest(ec *core.ExecutionContext) (model.Request, error) {
	system := ""
	if !a.opts.System.IsZero() {
		s, err := a.opts.System.Resolve(ec)
		if err != nil {
			return model.Request{}, fmt.Errorf("resolving system instruction: %w", err)
		}
		system = s
	}

	prompt := ec.StringInput("prompt")
	if !a.opts.Prompt.IsZero() {
		p, err := a.opts.Prompt.Resolve(ec)
		if err != nil {
			return model.Request{}, fmt.Errorf("resolving prompt: %w", err)
		}
		prompt = p
	}
	if strings.TrimSpace(prompt) == "" {
		return model.Request{}, fmt.Errorf("advisor %s: empty prompt", a.name)
	}

	if prev := stringList(ec.Inputs[InputErrors]); len(prev) > 0 {
		var b strings.Builder
		b.WriteString(prompt)
		b.WriteString("\n\nThe previous attempt failed validation:\n")
		for _, e := range prev {
			b.WriteString("- ")
			b.WriteString(e)
			b.WriteString("\n")
		}
		prompt = b.String()
	}

	return model.Request{
		System:    system,
		Messages:  []model.Message{{Role: model.RoleUser, Text: prompt}},
		MaxTokens: a.opts.MaxTokens,
	}, nil
}

func (a *AdvisorSkill) outputs(text string) (map[string]any, error) {
	body := stripFences(text)
	switch a.opts.Output {
	case OutputSchema:
		var parsed any
		if err := json.Unmarshal([]byte(body), &parsed); err != nil {
			return nil, fmt.Errorf("advisor %s: answer is not valid JSON: %w", a.name, err)
		}
		if obj, ok := parsed.(map[string]any); ok {
			schema, hasSchema := obj["schema"]
			evidence, hasEvidence := obj["evidence"]
			if hasSchema && hasEvidence {
				return map[string]any{"schema": schema, "evidence": evidence}, nil
			}
		}
		return map[string]any{"schema": parsed}, nil
	default:
		return map[string]any{"code": body, "language": a.opts.Language}, nil
	}
}

// stripFences removes a surrounding markdown code fence.
func stripFences(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```")
	if i := strings.IndexByte(t, '\n'); i >= 0 {
		t = t[i+1:]
	} else {
		t = ""
	}
	t = strings.TrimSpace(t)
	t = strings.TrimSuffix(t, "```")
	return strings.TrimSpace(t)
}

var _ engine.Implementation = (*AdvisorSkill)(nil)
