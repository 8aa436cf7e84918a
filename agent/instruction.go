package agent

import (
	"github.com/hupe1980/skillmesh/core"
	"github.com/hupe1980/skillmesh/internal/util"
)

// Provider supplies dynamic instruction text at runtime.
// Implementations can derive instructions from inputs, persisted facts, etc.
type Provider interface {
	Instruction(*core.ExecutionContext) (string, error)
}

// Func is a functional adapter to allow ordinary functions to be used as Providers.
type Func func(*core.ExecutionContext) (string, error)

// Instruction implements Provider.
func (f Func) Instruction(ec *core.ExecutionContext) (string, error) { return f(ec) }

// Instruction represents either a static template or a dynamic provider.
// Static text is rendered as a text/template over the call inputs, so
// "{{.url}}" expands to the url input.
type Instruction struct {
	text     string
	provider Provider
}

// NewInstructionFromText creates an Instruction from a static template.
func NewInstructionFromText(text string) Instruction { return Instruction{text: text} }

// NewInstructionFromProvider creates an Instruction from a dynamic provider.
func NewInstructionFromProvider(p Provider) Instruction { return Instruction{provider: p} }

// NewInstructionFromFunc creates an Instruction from a function.
func NewInstructionFromFunc(f func(*core.ExecutionContext) (string, error)) Instruction {
	return Instruction{provider: Func(f)}
}

// IsStatic returns true if the instruction is backed by a static template.
func (i Instruction) IsStatic() bool { return i.provider == nil }

// IsZero reports whether the instruction is empty.
func (i Instruction) IsZero() bool { return i.provider == nil && i.text == "" }

// Resolve returns the instruction text, invoking the provider or rendering the
// template as needed.
func (i Instruction) Resolve(ec *core.ExecutionContext) (string, error) {
	if i.provider != nil {
		return i.provider.Instruction(ec)
	}
	return util.RenderTemplate(i.text, ec.Inputs)
}
