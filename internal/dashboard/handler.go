package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/pilesync/pilesync/internal/engine"
)

// Handler relays engine events to the dashboard server. Events that change
// what a pile's status shows are followed by a status message.
type Handler struct {
	server *Server
	engine Controller
	logger *slog.Logger
}

// NewHandler creates a handler broadcasting through server. A nil ctl
// disables the status follow-ups.
func NewHandler(server *Server, ctl Controller, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{server: server, engine: ctl, logger: logger}
}

// Run relays events until the channel closes or ctx is done.
func (h *Handler) Run(ctx context.Context, events <-chan engine.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.OnEvent(ev)
		}
	}
}

// OnEvent broadcasts a single engine event.
func (h *Handler) OnEvent(ev engine.Event) {
	msg := Message{
		Type:      MessageType(ev.Type),
		Pile:      ev.Pile,
		Timestamp: ev.Time,
	}
	if ev.Data != nil {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			h.logger.Warn("failed to marshal event data", "type", ev.Type, "error", err)
			return
		}
		msg.Data = data
	}
	h.server.Broadcast(msg)

	switch ev.Type {
	case engine.EventSyncComplete, engine.EventSyncError,
		engine.EventConflictDetected, engine.EventConflictResolved,
		engine.EventWatchStarted, engine.EventWatchStopped:
		h.broadcastStatus(ev.Pile)
	}
}

// broadcastStatus sends the current status of pile to all clients.
func (h *Handler) broadcastStatus(pile string) {
	if h.engine == nil {
		return
	}
	st, err := h.engine.Status(pile)
	if err != nil {
		h.logger.Warn("failed to read pile status", "pile", pile, "error", err)
		return
	}
	data, err := json.Marshal(st)
	if err != nil {
		h.logger.Warn("failed to marshal status", "pile", pile, "error", err)
		return
	}
	h.server.Broadcast(Message{Type: MessageTypeStatus, Pile: pile, Data: data})
}
