// Package bridge exposes a conversation to an external counterparty as a
// request/response tool surface: begin, send_message, wait_for_reply, with
// at-most-one-in-flight semantics and a parkable still-working response.
package bridge

import (
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/parley-run/parley/internal/domain"
)

// Rejection kinds for endpoint configuration blobs.
var (
	ErrInvalidConfig         = errors.New("bridge: invalid endpoint configuration")
	ErrNoBridgedAgent        = errors.New("bridge: configuration names no bridged agent")
	ErrInvalidBridgeStrategy = errors.New("bridge: unknown or duplicate bridge strategy")
)

// EndpointConfig is the decoded form of the opaque, URL-safe blob bound to a
// bridge endpoint: the conversation's cast plus free-form metadata. The
// external counterparty's identity is the one agent carrying a bridge
// strategy.
type EndpointConfig struct {
	Metadata map[string]any       `json:"metadata,omitempty"`
	Agents   []domain.AgentConfig `json:"agents"`
}

// BridgedAgent returns the single agent config with a bridge strategy.
func (c *EndpointConfig) BridgedAgent() (domain.AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.StrategyType.IsBridge() {
			return a, true
		}
	}
	return domain.AgentConfig{}, false
}

// DecodeConfigBlob decodes and validates a base64url-encoded JSON endpoint
// configuration. Exactly one agent must carry a bridge strategy, and every
// strategy named must be known.
func DecodeConfigBlob(blob string) (*EndpointConfig, error) {
	raw, err := base64.RawURLEncoding.DecodeString(blob)
	if err != nil {
		if raw, err = base64.URLEncoding.DecodeString(blob); err != nil {
			return nil, ErrInvalidConfig
		}
	}

	var cfg EndpointConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, ErrInvalidConfig
	}
	if len(cfg.Agents) == 0 {
		return nil, ErrInvalidConfig
	}

	bridged := 0
	for _, a := range cfg.Agents {
		if a.ID == "" {
			return nil, ErrInvalidConfig
		}
		switch a.StrategyType {
		case domain.StrategyScenarioDriven, domain.StrategySequentialScript, domain.StrategyStaticReplay:
		case domain.StrategyBridgeToExternalAsServer, domain.StrategyBridgeToExternalAsClient:
			bridged++
		default:
			return nil, ErrInvalidBridgeStrategy
		}
	}
	switch {
	case bridged == 0:
		return nil, ErrNoBridgedAgent
	case bridged > 1:
		return nil, ErrInvalidBridgeStrategy
	}
	return &cfg, nil
}

// EncodeConfigBlob is the inverse of DecodeConfigBlob, for endpoint
// registration tooling and tests.
func EncodeConfigBlob(cfg *EndpointConfig) (string, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
