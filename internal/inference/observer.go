package inference

// EventKind names an advisory progress notification.
type EventKind string

const (
	EventTokenizing      EventKind = "tokenizing"
	EventVisionEncoded   EventKind = "vision encoded"
	EventPrefillComplete EventKind = "prefill complete"
	EventStep            EventKind = "step"
	EventFinished        EventKind = "finished"
)

// Event is delivered to an Observer. Step counts generated tokens starting
// at 1 for the token produced by prefill. Observers run synchronously on the
// generating goroutine and cannot influence control flow.
type Event struct {
	Kind   EventKind
	Step   int
	Token  int
	Tiles  int
	Status Status
	Err    error
}

type Observer func(Event)
