package pipeline

import "time"

// Stage names a pipeline state.
type Stage string

// Pipeline stages in execution order.
const (
	StageIdentify   Stage = "identify"
	StageSearch     Stage = "search"
	StageScore      Stage = "score"
	StageReflect    Stage = "reflect"
	StageDeliberate Stage = "deliberate"
)

// EventKind says what happened to a stage.
type EventKind string

// Event kinds.
const (
	EventStarted   EventKind = "started"
	EventCompleted EventKind = "completed"
	EventSkipped   EventKind = "skipped"
	EventFailed    EventKind = "failed"
)

// Event reports stage progress for one variant.
type Event struct {
	At        time.Time
	Stage     Stage
	Kind      EventKind
	ProductID string
	VariantID string
	Detail    string
}

// emit sends without blocking; events are dropped when nobody keeps up.
func (a *Analyzer) emit(item Item, stage Stage, kind EventKind, detail string) {
	if a.events == nil {
		return
	}
	select {
	case a.events <- Event{
		At:        time.Now(),
		Stage:     stage,
		Kind:      kind,
		ProductID: item.Product.ID,
		VariantID: item.Variant.ID,
		Detail:    detail,
	}:
	default:
	}
}
