package realtime

import (
	"encoding/json"

	"ordersaga/internal/orders"

	"github.com/rs/zerolog"
)

// OrderFeed publishes order transitions to WebSocket clients as JSON.
type OrderFeed struct {
	hub    *Hub
	logger zerolog.Logger
}

func NewOrderFeed(hub *Hub, logger zerolog.Logger) *OrderFeed {
	return &OrderFeed{hub: hub, logger: logger}
}

// OrderTransitioned implements orders.TransitionListener.
func (f *OrderFeed) OrderTransitioned(t orders.Transition) {
	msg, err := json.Marshal(t)
	if err != nil {
		f.logger.Error().Err(err).Str("order_id", t.OrderID).Msg("encode transition")
		return
	}
	f.hub.Publish(msg)
}
