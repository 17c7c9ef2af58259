package policy

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/nidhogg/nuka-memory/internal/memory"
	"go.uber.org/zap"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Reason explains why a text was not stored. Empty when it was.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonDisabled    Reason = "ingest_disabled"
	ReasonEmpty       Reason = "empty"
	ReasonTooShort    Reason = "too_short"
	ReasonBoring      Reason = "boring"
	ReasonUnknownRole Reason = "unknown_role"
)

// Config holds the length thresholds, measured in runes of normalized text.
type Config struct {
	MinLength        int `json:"min_length"`
	DurableThreshold int `json:"durable_threshold"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{MinLength: 12, DurableThreshold: 80}
}

// Input is one candidate span.
type Input struct {
	Text          string
	Role          string
	IngestEnabled bool
	// ContextHits is how often the surrounding context was recalled. It is
	// carried for the promotion path and does not affect tiering.
	ContextHits int
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Store  bool        `json:"store"`
	Tier   memory.Kind `json:"tier,omitempty"`
	Reason Reason      `json:"reason,omitempty"`
}

var (
	boringRe = regexp.MustCompile(`^(ok|okay|k|kk|thanks|thank you|thanks a lot|thx|ty|yeah|yep|yup|yes|no|nope|sure|cool|got it|nice|great|lol|alright|sounds good|no problem|you're welcome|hmm+)[\s.!?]*$`)
	signalRe = regexp.MustCompile(`(?i)\b(remember (this|that)|don['’]?t forget|do not forget|note to self)\b|\bimportant:`)
)

// Engine classifies text into storage tiers. It holds no mutable state.
type Engine struct {
	cfg    Config
	logger *zap.Logger
}

// NewEngine creates an Engine, filling zero thresholds with defaults.
func NewEngine(cfg Config, logger *zap.Logger) *Engine {
	def := DefaultConfig()
	if cfg.MinLength <= 0 {
		cfg.MinLength = def.MinLength
	}
	if cfg.DurableThreshold <= 0 {
		cfg.DurableThreshold = def.DurableThreshold
	}
	return &Engine{cfg: cfg, logger: logger}
}

// Config returns the effective thresholds.
func (e *Engine) Config() Config { return e.cfg }

// Admit applies the role-independent gates: ingest switch, blank text,
// minimum length and the boring-acknowledgment set.
func (e *Engine) Admit(text string, ingestEnabled bool) Decision {
	if !ingestEnabled {
		return Decision{Reason: ReasonDisabled}
	}
	norm := Normalize(text)
	if norm == "" {
		return Decision{Reason: ReasonEmpty}
	}
	if utf8.RuneCountInString(norm) < e.cfg.MinLength {
		return Decision{Reason: ReasonTooShort}
	}
	if boringRe.MatchString(norm) {
		return Decision{Reason: ReasonBoring}
	}
	return Decision{Store: true}
}

// Evaluate decides whether a chat span is stored and under which tier.
func (e *Engine) Evaluate(in Input) Decision {
	d := e.Admit(in.Text, in.IngestEnabled)
	if !d.Store {
		return d
	}

	switch in.Role {
	case RoleUser:
		d.Tier = memory.KindChatUser
	case RoleAssistant:
		norm := Normalize(in.Text)
		switch {
		case signalRe.MatchString(norm):
			d.Tier = memory.KindChatAssistant
		case utf8.RuneCountInString(norm) < e.cfg.DurableThreshold:
			d.Tier = memory.KindChatEphemeral
		default:
			d.Tier = memory.KindChatAssistant
		}
	default:
		e.logger.Warn("rejecting span with unknown role",
			zap.String("role", in.Role),
			zap.Int("length", len(in.Text)))
		return Decision{Reason: ReasonUnknownRole}
	}

	if in.ContextHits > 0 {
		e.logger.Debug("span classified",
			zap.String("tier", string(d.Tier)),
			zap.Int("context_hits", in.ContextHits))
	}
	return d
}

// RoleForKind maps chat kinds back to the role that produces them. Non-chat
// kinds return "".
func RoleForKind(kind memory.Kind) string {
	switch kind {
	case memory.KindChatUser:
		return RoleUser
	case memory.KindChatAssistant, memory.KindChatEphemeral:
		return RoleAssistant
	}
	return ""
}

// Normalize lower-cases and trims text. Hashing and length checks use it.
func Normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}
