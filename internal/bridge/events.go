package bridge

import (
	"encoding/json"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourdreams-academy/academy-sync/internal/eventbus"
	"github.com/yourdreams-academy/academy-sync/internal/realtime"
	"github.com/yourdreams-academy/academy-sync/pkg/response"
)

// EmitRequest is the body for POST /events.
type EmitRequest struct {
	Type    eventbus.Type    `json:"type" binding:"required"`
	Payload eventbus.Payload `json:"payload"`
}

func knownType(t eventbus.Type) bool {
	for _, k := range eventbus.AllTypes {
		if k == t {
			return true
		}
	}
	return false
}

func parseTypes(raw string) ([]eventbus.Type, bool) {
	if raw == "" {
		return eventbus.AllTypes, true
	}
	var out []eventbus.Type
	for _, part := range strings.Split(raw, ",") {
		t := eventbus.Type(strings.TrimSpace(part))
		if !knownType(t) {
			return nil, false
		}
		out = append(out, t)
	}
	return out, true
}

// Emit handles POST /events.
func (h *Handler) Emit(c *gin.Context) {
	var req EmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if !knownType(req.Type) {
		response.BadRequest(c, "unknown event type "+string(req.Type))
		return
	}
	if req.Payload.Source == "" {
		req.Payload.Source = "shell"
	}
	response.Created(c, h.svc.Bus.Emit(req.Type, req.Payload))
}

// EventStats handles GET /events/stats.
func (h *Handler) EventStats(c *gin.Context) {
	response.OK(c, gin.H{
		"subscribers": h.svc.Bus.SubscriberCount(),
		"courses":     h.svc.Bus.SubscribedCourses(),
	})
}

// Buffered handles GET /events/:type/buffered.
func (h *Handler) Buffered(c *gin.Context) {
	t := eventbus.Type(c.Param("type"))
	if !knownType(t) {
		response.BadRequest(c, "unknown event type "+string(t))
		return
	}
	response.OK(c, h.svc.Bus.Buffered(t))
}

// CleanupOwner handles DELETE /events/owners/:owner. ?persistent=1 also drops persistent subscriptions.
func (h *Handler) CleanupOwner(c *gin.Context) {
	owner := c.Param("owner")
	removed := h.svc.Bus.CleanupComponent(owner)
	if c.Query("persistent") == "1" {
		removed += h.svc.Bus.RemovePersistent(owner)
	}
	response.OK(c, gin.H{"removed": removed})
}

// Stream handles GET /events/stream, upgrading to a WebSocket fed by a bus subscription.
// Query: owner, types (comma separated), course, persistent=1.
func (h *Handler) Stream(c *gin.Context) {
	types, ok := parseTypes(c.Query("types"))
	if !ok {
		response.BadRequest(c, "unknown event type in "+c.Query("types"))
		return
	}
	owner := c.Query("owner")
	if owner == "" {
		owner = "stream-" + uuid.NewString()
	}
	persistent := c.Query("persistent") == "1"
	var opts []eventbus.SubscribeOption
	if course := c.Query("course"); course != "" {
		opts = append(opts, eventbus.WithCourse(course))
	}
	if persistent {
		opts = append(opts, eventbus.Persistent())
	}
	logger := h.logger.With(zap.String("owner_id", owner))

	subscribe := func(deliver func(realtime.WSMessage)) (func(), error) {
		unsubscribe, err := h.svc.Bus.Subscribe(types, func(ev eventbus.Event) {
			data, err := json.Marshal(ev)
			if err != nil {
				logger.Warn("encode stream event failed", zap.Error(err))
				return
			}
			deliver(realtime.WSMessage{Event: string(ev.Type), Data: data})
		}, owner, opts...)
		if err != nil {
			return nil, err
		}
		logger.Debug("event stream attached", zap.Int("types", len(types)))
		return func() {
			unsubscribe()
			if persistent {
				h.svc.Bus.RemovePersistent(owner)
			}
			logger.Debug("event stream detached")
		}, nil
	}
	realtime.ServeSubscription(subscribe, logger)(c)
}
