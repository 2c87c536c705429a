package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kwranking/kwranking/server/internal/ranking"
)

// Notification is what a webhook target is told about an alert transition.
// It is also the exact body of an "http" webhook.
type Notification struct {
	Alert Alert `json:"alert"`
	// Host is the record that fired or cleared the alert; nil when the host
	// was removed from the ranking.
	Host *ranking.Host `json:"host,omitempty"`
}

// payloadBuilders render a Notification for each supported webhook type.
var payloadBuilders = map[string]func(Notification) any{
	"slack": slackPayload,
	"teams": teamsPayload,
	"http":  func(n Notification) any { return n },
}

func (e *Engine) deliver(n Notification) {
	for _, wh := range e.webhooks {
		url := wh.URL()
		if url == "" {
			continue
		}
		build, ok := payloadBuilders[wh.Type]
		if !ok {
			slog.Warn("alerts: unknown webhook type, skipping", "type", wh.Type)
			continue
		}
		log := slog.With("type", wh.Type, "rule", n.Alert.RuleName, "host", n.Alert.HostID, "state", n.Alert.State)
		if err := e.post(context.Background(), url, build(n)); err != nil {
			log.Error("alerts: webhook delivery failed", "err", err)
			continue
		}
		log.Debug("alerts: webhook delivered")
	}
}

func (e *Engine) post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// --- slack ------------------------------------------------------------------

type slackMessage struct {
	Text string `json:"text"`
}

func slackPayload(n Notification) any {
	a := n.Alert
	var b strings.Builder
	if a.State == StateResolved {
		fmt.Fprintf(&b, "*[RESOLVED]* %s on `%s`", a.RuleName, a.HostID)
	} else {
		fmt.Fprintf(&b, "*%s* %s", severityLabel(a.Severity), a.Message)
	}
	if n.Host != nil {
		fmt.Fprintf(&b, "\n%s", hostSummary(*n.Host))
	} else if a.State == StateResolved {
		b.WriteString("\nhost removed from ranking")
	}
	return slackMessage{Text: b.String()}
}

// --- teams ------------------------------------------------------------------

type teamsCard struct {
	Type       string         `json:"@type"`
	Context    string         `json:"@context"`
	ThemeColor string         `json:"themeColor"`
	Summary    string         `json:"summary"`
	Title      string         `json:"title"`
	Text       string         `json:"text"`
	Sections   []teamsSection `json:"sections,omitempty"`
}

type teamsSection struct {
	Facts []teamsFact `json:"facts"`
}

type teamsFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func teamsPayload(n Notification) any {
	a := n.Alert
	color := severityColor(a.Severity)
	if a.State == StateResolved {
		color = "2EB67D"
	}
	card := teamsCard{
		Type:       "MessageCard",
		Context:    "http://schema.org/extensions",
		ThemeColor: color,
		Summary:    a.RuleName + " " + a.State + " on " + a.HostID,
		Title:      fmt.Sprintf("kwranking alert %s: %s", a.State, a.RuleName),
		Text:       a.Message,
	}
	if h := n.Host; h != nil {
		card.Sections = []teamsSection{{Facts: []teamsFact{
			{Name: "Host", Value: a.HostID},
			{Name: "Wmin", Value: fmt.Sprintf("%.1f W", h.Wmin)},
			{Name: "Wmax", Value: fmt.Sprintf("%.1f W", h.Wmax)},
			{Name: "Flop", Value: fmt.Sprintf("%.3f", h.Flop)},
			{Name: "Efficiency", Value: fmt.Sprintf("%.4f", h.Efficiency)},
		}}}
	}
	return card
}

// hostSummary is a one-line rendering of a record for chat messages.
func hostSummary(h ranking.Host) string {
	return fmt.Sprintf("wmin %.1f W, wmax %.1f W, flop %.3f, efficiency %.4f", h.Wmin, h.Wmax, h.Flop, h.Efficiency)
}

func severityLabel(s string) string {
	switch s {
	case "critical":
		return "[CRITICAL]"
	case "warning":
		return "[WARNING]"
	default:
		return "[INFO]"
	}
}

func severityColor(s string) string {
	switch s {
	case "critical":
		return "FF4F6A"
	case "warning":
		return "FFAB40"
	default:
		return "00D4FF"
	}
}
