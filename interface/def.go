package iface

type State int

const (
	Idle         State = 0x1001
	FileSelected State = 0x1002
	Uploading    State = 0x1003
	Processing   State = 0x1004
	Succeeded    State = 0x1005
	Failed       State = 0x1006
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case FileSelected:
		return "file_selected"
	case Uploading:
		return "uploading"
	case Processing:
		return "processing"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// InFlight reports whether a request is outstanding in this state.
func (s State) InFlight() bool {
	return s == Uploading || s == Processing
}

type EventType int

const (
	EventSelected  EventType = 0x3001
	EventState     EventType = 0x3002
	EventProgress  EventType = 0x3003
	EventCompleted EventType = 0x3004
	EventFailed    EventType = 0x3005
	EventRendered  EventType = 0x3006
	EventRenderErr EventType = 0x3007
)

func (t EventType) String() string {
	switch t {
	case EventSelected:
		return "selected"
	case EventState:
		return "state"
	case EventProgress:
		return "progress"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	case EventRendered:
		return "rendered"
	case EventRenderErr:
		return "render_error"
	default:
		return "unknown"
	}
}

// Event is what the orchestrator hands to subscribers, in emission order.
type Event struct {
	Type       EventType `json:"-"`
	Name       string    `json:"type"`
	JobID      string    `json:"jobID,omitempty"`
	Generation uint64    `json:"generation"`
	Kind       MediaKind `json:"-"`
	State      State     `json:"-"`
	StateName  string    `json:"state"`
	Percent    int       `json:"percent"`
	Message    string    `json:"message,omitempty"`
	Err        error     `json:"-"`
	Elapsed    float64   `json:"elapsedSeconds,omitempty"`
	// Result is set on EventCompleted.
	Result *DetectionResult `json:"-"`
}

func NewEvent(t EventType, state State) Event {
	return Event{Type: t, Name: t.String(), State: state, StateName: state.String()}
}
