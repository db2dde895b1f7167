// Package notify posts trade events to a Discord webhook. Delivery is
// fire-and-forget: a dead webhook never stalls the trading loop.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/quantfold/depthtrader/internal/models"
)

// Notifier receives trade lifecycle events.
type Notifier interface {
	TradeOpened(pos *models.Position)
	TradeClosed(trade *models.TradeHistoryEntry)
	Alert(message string)
}

// Discord posts messages to a webhook URL. An empty URL disables posting;
// all methods stay safe to call.
type Discord struct {
	webhookURL string
	client     *http.Client
	logger     *log.Logger
}

// Ensure Discord implements Notifier at compile time.
var _ Notifier = (*Discord)(nil)

// NewDiscord creates a webhook notifier.
func NewDiscord(webhookURL string, logger *log.Logger) *Discord {
	if logger == nil {
		logger = log.Default()
	}
	return &Discord{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// TradeOpened announces a fill.
func (d *Discord) TradeOpened(pos *models.Position) {
	d.post(fmt.Sprintf("Opened %s %s x%d at %.2f (%s)",
		pos.Direction, pos.Contract.LocalSymbol, pos.Quantity, pos.EntryPrice, pos.Strategy))
}

// TradeClosed announces a close with its result.
func (d *Discord) TradeClosed(trade *models.TradeHistoryEntry) {
	d.post(fmt.Sprintf("Closed %s x%d at %.2f (%s, pnl %+.2f, %s)",
		trade.Contract.LocalSymbol, trade.Quantity, trade.ExitPrice,
		trade.ExitReason, trade.PnL, trade.Strategy))
}

// Alert posts an operational message.
func (d *Discord) Alert(message string) {
	d.post(message)
}

func (d *Discord) post(content string) {
	if d.webhookURL == "" {
		return
	}
	payload, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		d.logger.Printf("Encoding notification: %v", err)
		return
	}
	go func() {
		resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewReader(payload))
		if err != nil {
			d.logger.Printf("Posting notification: %v", err)
			return
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 300 {
			d.logger.Printf("Notification rejected: %s", resp.Status)
		}
	}()
}
