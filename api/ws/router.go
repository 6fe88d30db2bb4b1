package ws

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/kotonoha/classchat/server/chat/session"
	"go.uber.org/zap"
)

// HandlerFunc processes a decoded WS event payload.
type HandlerFunc func(ctx context.Context, s *session.Session, payload json.RawMessage) error

// EventOnline is the bind event. It is the only event a connection may send
// before it has been attached to the presence registry.
const EventOnline = "user_online"

// Router dispatches incoming WS packets to registered handlers.
type Router struct {
	handlers map[string]HandlerFunc
	logger   *zap.Logger
}

// NewRouter creates a new Router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		handlers: make(map[string]HandlerFunc),
		logger:   logger,
	}
}

// On registers a HandlerFunc for the given event type.
func (r *Router) On(eventType string, fn HandlerFunc) {
	r.handlers[eventType] = fn
}

// Dispatch decodes raw bytes and invokes the appropriate handler. Events
// other than the bind event are rejected with an error ack until the
// connection is bound.
func (r *Router) Dispatch(s *session.Session, raw []byte) {
	var pkt session.Packet
	if err := json.Unmarshal(raw, &pkt); err != nil {
		r.logger.Warn("malformed packet",
			zap.Int64("user_id", s.UserID),
			zap.Error(err))
		s.SendError("malformed packet")
		return
	}

	if pkt.Type != EventOnline && !s.IsBound() {
		r.logger.Warn("event before bind",
			zap.String("type", pkt.Type),
			zap.Int64("user_id", s.UserID))
		s.SendError("not bound")
		return
	}

	// Assign a trace ID for this dispatch.
	s.TraceID = uuid.NewString()
	ctx := context.WithValue(context.Background(), ctxKeyTraceID{}, s.TraceID)

	fn, ok := r.handlers[pkt.Type]
	if !ok {
		r.logger.Debug("unhandled event type",
			zap.String("type", pkt.Type),
			zap.Int64("user_id", s.UserID))
		return
	}

	if err := fn(ctx, s, pkt.Payload); err != nil {
		r.logger.Error("handler error",
			zap.String("type", pkt.Type),
			zap.Int64("user_id", s.UserID),
			zap.String("trace_id", s.TraceID),
			zap.Error(err))
	}
}

type ctxKeyTraceID struct{}

// TraceIDFromCtx extracts the trace ID from a handler context.
func TraceIDFromCtx(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyTraceID{}).(string); ok {
		return v
	}
	return ""
}
