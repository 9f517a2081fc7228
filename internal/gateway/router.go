package gateway

import (
	"go.uber.org/zap"
)

// router classifies post-handshake inbound frames. Classification order:
// response by pending id, event by name, legacy event by type, else drop
// silently. Malformed JSON is dropped with a debug signal; after the
// handshake it is never an error.
type router struct {
	pending *pendingRegistry
	logger  *zap.Logger

	onResponse func(*frame)
	onEvent    func(Event)
}

func (r *router) dispatch(data []byte) {
	f, err := decodeFrame(data)
	if err != nil {
		r.logger.Debug("gateway: dropping malformed frame", zap.Error(err))
		return
	}

	switch {
	case f.ID != "" && r.pending.has(f.ID):
		r.onResponse(f)
	case f.Type == frameTypeEvent && f.Name != "":
		r.onEvent(Event{Type: f.Name, Payload: f.Payload})
	case f.isLegacyEvent():
		// Old push style: the event name sits in the type field and the
		// frame is forwarded unchanged.
		r.onEvent(Event{Type: f.Type, Payload: data})
	default:
		r.logger.Debug("gateway: dropping unroutable frame", zap.String("type", f.Type), zap.String("id", f.ID))
	}
}
