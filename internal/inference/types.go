package inference

import (
	"time"

	"github.com/samcharles93/lumen/internal/errdefs"
	"github.com/samcharles93/lumen/internal/imageproc"
	"github.com/samcharles93/lumen/internal/runner"
)

// Status is the terminal state of a generation.
type Status int

const (
	StatusRunning Status = iota
	StatusCompleted
	StatusMaxTokens
	StatusCancelled
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "RUNNING"
	case StatusCompleted:
		return "COMPLETED"
	case StatusMaxTokens:
		return "MAX_TOKENS"
	case StatusCancelled:
		return "CANCELLED"
	case StatusError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Phase names a step of the generation state machine.
type Phase string

const (
	PhaseInit       Phase = "init"
	PhasePrefill    Phase = "prefill"
	PhaseDecoding   Phase = "decoding"
	PhaseTerminated Phase = "terminated"
)

// State is the per-call generation state. It is owned by exactly one
// Generate invocation and handed to the caller once that call returns.
type State struct {
	Phase  Phase
	Status Status
	SeqLen int
	Cache  runner.KVCache
	Last   int
	Tokens []int

	PrefillDuration time.Duration
}

type Stats struct {
	PromptTokens    int
	ImageTokens     int
	TokensGenerated int
	PrefillDuration time.Duration
	Duration        time.Duration
	TPS             float64
}

// StreamFunc receives decoded text fragments as tokens are generated.
type StreamFunc func(fragment string)

// Request is one image + prompt turn.
type Request struct {
	Prompt       string
	Image        *imageproc.Image
	MaxNewTokens int
}

// Result is the outcome of a pipeline run. Err is set only for StatusError;
// Kind classifies it.
type Result struct {
	ID     string
	Status Status
	Tokens []int
	Text   string
	Err    error
	Kind   errdefs.Kind
	Stats  Stats
}
