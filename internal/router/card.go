package router

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// rewriteCard replaces the card's top-level url with the proxy-fronted
// address and leaves everything else untouched.
func rewriteCard(raw []byte, proxyURL string) ([]byte, error) {
	var card map[string]any
	if err := json.Unmarshal(raw, &card); err != nil {
		return nil, fmt.Errorf("parse agent card: %w", err)
	}
	card["url"] = proxyURL
	out, err := json.Marshal(card)
	if err != nil {
		return nil, fmt.Errorf("serialise agent card: %w", err)
	}
	return out, nil
}

// fallbackCard is served when the agent's own card cannot be fetched.
// Always HTTP 200; the failure reason rides in the card body.
func fallbackCard(agentID, proxyURL string, reason error, logger *slog.Logger) []byte {
	logger.Warn("agent card fetch failed, serving fallback",
		slog.String("agent_id", agentID),
		slog.String("error", reason.Error()),
	)
	out, _ := json.Marshal(map[string]any{
		"name":    agentID,
		"url":     proxyURL,
		"version": "unknown",
		"error":   reason.Error(),
	})
	return out
}
