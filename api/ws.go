package api

import (
	"github.com/gin-gonic/gin"

	"optionflow/eventbus"
	"optionflow/logger"
	"optionflow/store"
)

// dashboardFrame is the read-only payload forwarded over the WebSocket;
// §6 requires enough to reconstruct {trade_id, direction, symbol,
// strike, status, pnl_dollars?} without the client round-tripping back
// to the Trade Store.
type dashboardFrame struct {
	Event      string  `json:"event"`
	TradeID    string  `json:"trade_id,omitempty"`
	Direction  string  `json:"direction,omitempty"`
	Symbol     string  `json:"symbol,omitempty"`
	Strike     string  `json:"strike,omitempty"`
	Status     string  `json:"status,omitempty"`
	PnLDollars *float64 `json:"pnl_dollars,omitempty"`
}

// handleDashboardWS upgrades to a WebSocket and forwards every Event Bus
// message as a JSON frame until the client disconnects. Read-only: no
// inbound command handling, per §1's non-goals.
func (s *Server) handleDashboardWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("api: dashboard websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)

	// drain inbound frames so the connection's read deadline/ping
	// machinery keeps working even though we never act on client input.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for evt := range sub.C {
		frame := s.toDashboardFrame(evt)
		if err := conn.WriteJSON(frame); err != nil {
			return
		}
	}
}

func (s *Server) toDashboardFrame(evt eventbus.Event) dashboardFrame {
	frame := dashboardFrame{Event: string(evt.Name)}

	tradeID, ok := evt.Payload.(string)
	if !ok {
		if t, ok := evt.Payload.(*store.Trade); ok {
			s.fillTradeFields(&frame, t)
		}
		return frame
	}

	trade, err := s.eng.Store.GetTrade(tradeID)
	if err != nil {
		frame.TradeID = tradeID
		return frame
	}
	s.fillTradeFields(&frame, trade)
	return frame
}

func (s *Server) fillTradeFields(frame *dashboardFrame, t *store.Trade) {
	frame.TradeID = t.ID
	frame.Direction = t.Direction
	frame.Symbol = t.OptionSymbol
	frame.Strike = t.Strike.String()
	frame.Status = string(t.Status)
	if t.Status == store.StatusClosed {
		pnl, _ := t.PnLDollars.Float64()
		frame.PnLDollars = &pnl
	}
}

