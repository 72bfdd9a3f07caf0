package websocket

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// OriginPolicy decides which browser origins may initiate the protocol
// upgrade. Origins are normalized to scheme://host and matched exactly;
// "*" allows everything. Requests without an Origin header are allowed,
// since non-browser clients do not send one.
type OriginPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
	logger   zerolog.Logger
}

func NewOriginPolicy(origins []string, logger *zerolog.Logger) *OriginPolicy {
	p := &OriginPolicy{
		allowed: make(map[string]struct{}),
		logger:  logger.With().Str("component", "origin-policy").Logger(),
	}
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			p.allowAll = true
			continue
		}
		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			p.logger.Warn().Str("origin", origin).Msg("ignoring invalid configured origin")
			continue
		}
		p.allowed[normalized] = struct{}{}
	}
	return p
}

func (p *OriginPolicy) Allow(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if p.allowAll {
		return true
	}
	normalized, ok := normalizeOrigin(origin)
	if !ok {
		p.logger.Warn().Str("origin", origin).Msg("rejecting malformed origin")
		return false
	}
	if _, ok = p.allowed[normalized]; !ok {
		p.logger.Warn().Str("origin", origin).Msg("rejecting disallowed origin")
		return false
	}
	return true
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}
