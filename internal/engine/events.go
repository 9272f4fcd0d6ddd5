package engine

import "time"

// EventType identifies an engine event.
type EventType string

const (
	EventSyncStarted      EventType = "sync_started"
	EventSyncComplete     EventType = "sync_complete"
	EventSyncError        EventType = "sync_error"
	EventConflictDetected EventType = "conflict_detected"
	EventConflictResolved EventType = "conflict_resolved"
	EventQueueChanged     EventType = "queue_changed"
	EventWatchStarted     EventType = "watch_started"
	EventWatchStopped     EventType = "watch_stopped"
)

// Event is published on the engine's event channel.
type Event struct {
	Type EventType `json:"type"`
	Pile string    `json:"pile"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// SyncSummary is the Data of sync_complete events.
type SyncSummary struct {
	Mode      string `json:"mode"`
	Pulled    int    `json:"pulled"`
	Pushed    int    `json:"pushed"`
	Conflicts int    `json:"conflicts"`
	Failed    int    `json:"failed"`
	Duration  string `json:"duration"`
}

// ConflictData is the Data of conflict events.
type ConflictData struct {
	ConflictID string `json:"conflictId"`
	PostID     string `json:"postId"`
	Type       string `json:"type,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

// QueueData is the Data of queue_changed events.
type QueueData struct {
	Length int `json:"length"`
}

// publish delivers an event without blocking. When the buffer is full the
// event is dropped.
func (e *Engine) publish(typ EventType, pile string, data any) {
	ev := Event{Type: typ, Pile: pile, Time: e.clock.Now().UTC(), Data: data}

	e.eventsMu.RLock()
	defer e.eventsMu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.events <- ev:
	default:
		e.logger.Warn("event buffer full, dropping event", "type", typ, "pile", pile)
	}
}

func (e *Engine) publishQueue(pile string) {
	n, err := e.queue.Len(pile)
	if err != nil {
		e.logger.Warn("failed to read queue length", "pile", pile, "error", err)
		return
	}
	e.publish(EventQueueChanged, pile, QueueData{Length: n})
}
