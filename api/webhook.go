package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"optionflow/engine"
	"optionflow/errs"
	"optionflow/logger"
	"optionflow/risk"
	"optionflow/store"
)

// webhookRequest is the wire shape of §6's inbound webhook contract.
// Both application/json and text/plain bodies are accepted as long as
// the body itself is valid JSON.
type webhookRequest struct {
	Secret  string   `json:"secret"`
	Ticker  string   `json:"ticker"`
	Action  string   `json:"action"` // BUY_CALL | BUY_PUT | CLOSE
	Price   *float64 `json:"price"`
	Comment string   `json:"comment"`
	Source  string   `json:"source"`
}

// handleWebhook implements §6's response contract: 400 malformed body,
// 422 schema violation, 401 secret mismatch, 200 with
// {status, message, trade_id?} otherwise, 500 on an internal error.
func (s *Server) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "rejected", "message": "could not read request body"})
		return
	}

	var req webhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "rejected", "message": "malformed body: " + err.Error()})
		return
	}
	if req.Ticker == "" || req.Action == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"status": "rejected", "message": "ticker and action are required"})
		return
	}

	direction, action, err := parseAction(req.Action)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"status": "rejected", "message": err.Error()})
		return
	}

	source := store.SourceExternal
	if req.Source == string(store.SourceManualTest) {
		source = store.SourceManualTest
	} else if req.Source == string(store.SourceRetake) {
		source = store.SourceRetake
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.BrokerTimeout)
	defer cancel()

	_, trade, err := s.eng.Admit(ctx, engine.AlertInput{
		RawPayload:  string(body),
		Ticker:      req.Ticker,
		Direction:   string(direction),
		SignalPrice: req.Price,
		Source:      source,
		Secret:      req.Secret,
		Action:      action,
	})

	switch {
	case err == nil:
		resp := gin.H{"status": "accepted", "message": "alert accepted"}
		if trade != nil {
			resp["trade_id"] = trade.ID
			resp["status"] = "processed"
		}
		c.JSON(http.StatusOK, resp)
	case errs.Is(err, errs.KindAuth):
		c.JSON(http.StatusUnauthorized, gin.H{"status": "rejected", "message": "secret mismatch"})
	case errs.Is(err, errs.KindGateRejection):
		c.JSON(http.StatusOK, gin.H{"status": "rejected", "message": errs.ReasonOf(err)})
	case errs.Is(err, errs.KindValidation):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"status": "rejected", "message": errs.ReasonOf(err)})
	default:
		logger.Errorf("api: webhook admission failed for %s: %v", req.Ticker, err)
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "internal error processing alert"})
	}
}

func parseAction(raw string) (signalDirection string, action risk.Action, err error) {
	switch raw {
	case "BUY_CALL":
		return "CALL", risk.ActionOpen, nil
	case "BUY_PUT":
		return "PUT", risk.ActionOpen, nil
	case "CLOSE":
		return "", risk.ActionClose, nil
	default:
		return "", "", errors.New("unrecognized action " + raw)
	}
}
