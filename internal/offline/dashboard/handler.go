package dashboard

import (
	"context"
	"sync"
	"time"

	"github.com/tallybook/tally/internal/logger"
	"github.com/tallybook/tally/internal/offline/store"
	"github.com/tallybook/tally/internal/offline/syncer"
	"github.com/tallybook/tally/internal/offline/trigger"
)

// StatusData is the snapshot broadcast on every coordinator status change.
type StatusData struct {
	Tenant        string         `json:"tenant"`
	State         syncer.State   `json:"state"`
	Mode          syncer.Mode    `json:"mode,omitempty"`
	LastResult    *syncer.Result `json:"last_result,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
	Pending       int            `json:"pending"`
	Rejections    int            `json:"rejections"`
	Held          int            `json:"held"`
	Watermark     string         `json:"watermark"`
	NeedsFullSync bool           `json:"needs_full_sync"`
	LastSuccessAt *time.Time     `json:"last_success_at,omitempty"`
	Changed       time.Time      `json:"changed"`
}

// DecisionData describes one trigger decision.
type DecisionData struct {
	Event  trigger.Event `json:"event"`
	Action string        `json:"action"`
	Reason string        `json:"reason"`
}

// Handler turns coordinator status changes and trigger decisions into
// dashboard messages.
type Handler struct {
	server *Server
	store  *store.Store
	log    *logger.Logger

	mu     sync.RWMutex
	latest *StatusData
}

// NewHandler connects a handler to server. New clients are greeted with the
// latest status.
func NewHandler(server *Server, st *store.Store, log *logger.Logger) *Handler {
	h := &Handler{
		server: server,
		store:  st,
		log:    logger.OrNop(log).Named("dashboard"),
	}
	server.setWelcome(h.welcome)
	return h
}

// Follow broadcasts every status received on updates until ctx is done or
// updates is closed.
func (h *Handler) Follow(ctx context.Context, updates <-chan syncer.Status) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-updates:
			if !ok {
				return
			}
			h.OnStatus(ctx, s)
		}
	}
}

// OnStatus refreshes the snapshot from the store and broadcasts it.
func (h *Handler) OnStatus(ctx context.Context, s syncer.Status) {
	data := &StatusData{
		Tenant:     h.store.Tenant(),
		State:      s.State,
		Mode:       s.Mode,
		LastResult: s.LastResult,
		LastError:  s.LastError,
		Changed:    s.Changed,
	}
	err := h.store.View(ctx, func(tx *store.Tx) error {
		var err error
		if data.Pending, err = tx.OutboxCount(); err != nil {
			return err
		}
		rejections, err := tx.ListRejections(false)
		if err != nil {
			return err
		}
		data.Rejections = len(rejections)
		held, err := tx.ListHeld()
		if err != nil {
			return err
		}
		data.Held = len(held)
		m, err := tx.SyncMeta()
		if err != nil {
			return err
		}
		data.Watermark = m.Watermark
		data.NeedsFullSync = m.NeedsFullSync
		data.LastSuccessAt = m.LastSuccessAt
		return nil
	})
	if err != nil {
		// Still worth broadcasting the state itself.
		h.log.Warnw("failed to read store for dashboard status", "error", err)
	}

	h.mu.Lock()
	h.latest = data
	h.mu.Unlock()

	h.send(MessageTypeStatus, data)
	if s.LastResult != nil && s.State != syncer.StateSyncing {
		for _, r := range s.LastResult.Rejected {
			h.send(MessageTypeRejection, r)
		}
	}
}

// OnDecision broadcasts a trigger decision. It fits trigger.Options.OnDecision.
func (h *Handler) OnDecision(d trigger.Decision) {
	h.send(MessageTypeDecision, DecisionData{Event: d.Event, Action: d.Action.String(), Reason: d.Reason})
}

// Latest returns the last broadcast status, or nil before the first one.
func (h *Handler) Latest() *StatusData {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latest
}

func (h *Handler) welcome() (Message, bool) {
	latest := h.Latest()
	if latest == nil {
		return Message{}, false
	}
	data, err := json.Marshal(latest)
	if err != nil {
		return Message{}, false
	}
	return Message{Type: MessageTypeStatus, Timestamp: time.Now(), Data: data}, true
}

func (h *Handler) send(typ MessageType, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Warnw("failed to marshal dashboard message", "type", typ, "error", err)
		return
	}
	h.server.Broadcast(Message{Type: typ, Timestamp: time.Now(), Data: data})
}
