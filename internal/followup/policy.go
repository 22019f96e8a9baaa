package followup

import (
	"math/rand"
	"strings"
	"time"

	"github.com/waboard/waboard/internal/domain"
	"go.uber.org/zap"
)

// DefaultDelayType is applied when an agent has no policy row or an
// unrecognized delay value.
const DefaultDelayType = "24h"

// delayTable maps the policy delay vocabulary to durations. "30min" is a
// legacy alias kept for rows written by older dashboard builds; the current
// option list offers "10min".
var delayTable = map[string]time.Duration{
	"10min": 10 * time.Minute,
	"30min": 30 * time.Minute,
	"1h":    time.Hour,
	"3h":    3 * time.Hour,
	"24h":   24 * time.Hour,
	"3d":    3 * 24 * time.Hour,
	"5d":    5 * 24 * time.Hour,
}

// DefaultTemplates is the pool a follow-up text is drawn from when the agent
// has no custom message configured.
var DefaultTemplates = []string{
	"Oi! Ainda está por aí? Fico à disposição se tiver qualquer dúvida. 😊",
	"Olá! Só passando para saber se posso ajudar em mais alguma coisa.",
	"Oi! Vi que nossa conversa ficou pela metade. Posso ajudar com algo mais?",
	"Olá! Qualquer coisa que precisar, é só me chamar por aqui. 👋",
}

// DelayDuration resolves a delay type to a duration, falling back to the
// default when the value is unknown.
func DelayDuration(delayType string) time.Duration {
	key := strings.ToLower(strings.TrimSpace(delayType))
	if d, ok := delayTable[key]; ok {
		if key == "30min" {
			zap.L().Warn("followup: legacy 30min delay value in policy row", zap.String("delay_type", delayType))
		}
		return d
	}
	if key != "" {
		zap.L().Warn("followup: unknown delay value, using default", zap.String("delay_type", delayType))
	}
	return delayTable[DefaultDelayType]
}

// ComposeText picks the outgoing follow-up text: the policy's custom message
// when present, otherwise a uniformly random default template.
func ComposeText(policy *domain.FollowupSettings) string {
	if policy != nil {
		if custom := strings.TrimSpace(policy.CustomMessage); custom != "" {
			return custom
		}
	}
	return DefaultTemplates[rand.Intn(len(DefaultTemplates))]
}
