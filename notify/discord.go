package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Discord posts events to a Discord webhook as embeds.
type Discord struct {
	webhookURL string
	client     *http.Client
}

func NewDiscord(webhookURL string) *Discord {
	return &Discord{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

var eventColors = map[EventType]int{
	PositionOpened:  0x3498db,
	BreakEven:       0x95a5a6,
	TrailingUpdated: 0x1abc9c,
	PartialExit:     0xf1c40f,
	PositionClosed:  0x2ecc71,
	OrderRejected:   0xe74c3c,
	Reconciled:      0xe67e22,
}

func (d *Discord) Notify(ctx context.Context, ev Event) error {
	if d.webhookURL == "" {
		return nil
	}

	payload := map[string]any{
		"embeds": []map[string]any{{
			"title":       fmt.Sprintf("%s %s", ev.Symbol, ev.Type),
			"description": describe(ev),
			"color":       eventColors[ev.Type],
			"timestamp":   ev.At.Format(time.RFC3339),
			"footer":      map[string]string{"text": "orderguard"},
		}},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("discord returned status: %d", resp.StatusCode)
	}
	return nil
}

func describe(ev Event) string {
	var b strings.Builder
	if p := ev.Position; p != nil {
		fmt.Fprintf(&b, "%s %v @ %v (%s)\n", p.Side, p.Size, p.EntryPrice, p.RiskState)
		if p.StopPrice != 0 {
			fmt.Fprintf(&b, "SL %v", p.StopPrice)
		}
		if p.TakeProfitPrice != 0 {
			fmt.Fprintf(&b, "  TP %v", p.TakeProfitPrice)
		}
		if p.TrailingStopPrice != nil {
			fmt.Fprintf(&b, "  trail %v", *p.TrailingStopPrice)
		}
		if ev.Type == PositionClosed {
			fmt.Fprintf(&b, "\nexit %v, pnl %.4f (%s)", p.ExitPrice, p.RealizedPnL, p.CloseReason)
		}
		b.WriteString("\n")
	}
	if o := ev.Order; o != nil {
		fmt.Fprintf(&b, "%s %s %s", o.Intent.Role, o.Key, o.Status)
		if o.LastError != "" {
			fmt.Fprintf(&b, ": %s", o.LastError)
		}
		b.WriteString("\n")
	}
	if ev.Reason != "" {
		fmt.Fprintf(&b, "%s\n", ev.Reason)
	}
	for _, c := range ev.Corrections {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	return strings.TrimSpace(b.String())
}
