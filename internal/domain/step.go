package domain

import "fmt"

type StepKind int

const (
	StepCall StepKind = iota + 1
	StepText
)

func (k StepKind) String() string {
	switch k {
	case StepCall:
		return "call"
	case StepText:
		return "text"
	default:
		return fmt.Sprintf("StepKind(%d)", int(k))
	}
}

// ParseStepKind accepts "call" or "text".
func ParseStepKind(s string) (StepKind, error) {
	switch s {
	case "call":
		return StepCall, nil
	case "text":
		return StepText, nil
	default:
		return 0, &ValidationError{Field: "step.kind", Reason: fmt.Sprintf("unknown step kind %q", s)}
	}
}

// Step is one escalation action: a voice call, or a text with a body.
// Body is empty for calls.
type Step struct {
	Kind StepKind `json:"kind"`
	Body string   `json:"body,omitempty"`
}

func CallStep() Step            { return Step{Kind: StepCall} }
func TextStep(body string) Step { return Step{Kind: StepText, Body: body} }

func (s Step) String() string {
	if s.Kind == StepText {
		return fmt.Sprintf("text(%q)", s.Body)
	}
	return s.Kind.String()
}
