package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aescanero/dagrun/internal/application/orchestrator"
	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Ledger reads the stored events of an instance
type Ledger interface {
	QueryLedger(ctx context.Context, instanceID string, filter domain.EventFilter) ([]*domain.Event, error)
}

// Handler handles WebSocket connections
type Handler struct {
	eventBus ports.EventBus
	ledger   Ledger
	logger   *zap.Logger
}

// NewHandler creates a new WebSocket handler. ledger may be nil, in which
// case unknown instance ids are not rejected and replay is unavailable.
func NewHandler(eventBus ports.EventBus, ledger Ledger, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		eventBus: eventBus,
		ledger:   ledger,
		logger:   logger,
	}
}

// HandleInstanceStream streams the events of one instance. With ?replay=true
// the stored events are sent first.
func (h *Handler) HandleInstanceStream(c *gin.Context) {
	instanceID := c.Param("id")
	replay := c.Query("replay") == "true"

	var past []*domain.Event
	if h.ledger != nil {
		filter := domain.EventFilter{}
		if !replay {
			filter.Limit = 1
		}
		events, err := h.ledger.QueryLedger(c.Request.Context(), instanceID, filter)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, domain.ErrInstanceNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": gin.H{"code": "STREAM_UNAVAILABLE", "message": err.Error()}})
			return
		}
		if replay {
			past = events
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	h.logger.Info("WebSocket connection established",
		zap.String("instance_id", instanceID),
		zap.String("client", c.ClientIP()))

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// The client never sends anything; reading surfaces the close frame
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	eventChan := make(chan domain.Event, 64)
	if err := h.eventBus.Subscribe(ctx, orchestrator.EventsTopic, h.forward(ctx, instanceID, eventChan)); err != nil {
		h.logger.Error("failed to subscribe to events",
			zap.String("topic", orchestrator.EventsTopic),
			zap.Error(err))
		return
	}

	sent := make(map[string]bool, len(past))
	for _, event := range past {
		sent[event.ID] = true
		if err := h.write(conn, event); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-eventChan:
			if sent[event.ID] {
				continue
			}
			if err := h.write(conn, &event); err != nil {
				return
			}
		}
	}
}

// forward returns an event handler passing the instance's events to ch
func (h *Handler) forward(ctx context.Context, instanceID string, ch chan<- domain.Event) ports.EventHandler {
	return func(_ context.Context, event domain.Event) error {
		if event.InstanceID != instanceID {
			return nil
		}

		// Non-blocking send
		select {
		case ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			h.logger.Warn("event channel full, dropping event",
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)))
		}
		return nil
	}
}

func (h *Handler) write(conn *websocket.Conn, event *domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal event", zap.Error(err))
		return nil
	}

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.logger.Debug("failed to write message", zap.Error(err))
		return err
	}
	return nil
}
