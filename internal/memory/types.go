package memory

import (
	"slices"
	"strings"
	"time"
)

// Kind tags a memory with its retention class. The set is open; the
// constants below are the names the policy engine knows.
type Kind string

const (
	KindNote          Kind = "note"
	KindTask          Kind = "task"
	KindChatUser      Kind = "chat_user"
	KindChatAssistant Kind = "chat_assistant"
	KindChatEphemeral Kind = "chat_ephemeral"
)

// IsChat reports whether the kind belongs to a conversation tier.
func (k Kind) IsChat() bool {
	return k == KindChatUser || k == KindChatAssistant || k == KindChatEphemeral
}

// Metadata carries the typed annotations attached to a memory. Extra is the
// open extension point for keys the core does not interpret.
type Metadata struct {
	Tags       []string          `json:"tags,omitempty"`
	Importance string            `json:"importance,omitempty"`
	HitCount   int               `json:"hit_count,omitempty"`
	Role       string            `json:"role,omitempty"`
	Tier       string            `json:"tier,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// HasTag reports whether tag is present, ignoring case.
func (m Metadata) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (m Metadata) Clone() Metadata {
	out := m
	out.Tags = slices.Clone(m.Tags)
	if m.Extra != nil {
		out.Extra = make(map[string]string, len(m.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// Record is a persisted memory. ID is the primary key; Hash is the
// normalized-text fingerprint used for advisory dedup only.
type Record struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Source    string    `json:"source"`
	Text      string    `json:"text"`
	Hash      string    `json:"hash"`
	Metadata  Metadata  `json:"metadata"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Hit is a search result with its cosine similarity to the query.
type Hit struct {
	Record
	Score float64 `json:"score"`
}

// Filter narrows a search. An empty Kinds slice matches every kind.
type Filter struct {
	Kinds []Kind `json:"kinds,omitempty"`
}

// Match reports whether kind passes the filter.
func (f Filter) Match(kind Kind) bool {
	if len(f.Kinds) == 0 {
		return true
	}
	return slices.Contains(f.Kinds, kind)
}

// KindStrings returns the filter kinds as plain strings.
func (f Filter) KindStrings() []string {
	out := make([]string, 0, len(f.Kinds))
	for _, k := range f.Kinds {
		out = append(out, string(k))
	}
	return out
}

// Counts is the store census used by stats: every record, and the records
// that have an embedding. The two differ only when a write was torn.
type Counts struct {
	Total    int `json:"total"`
	Embedded int `json:"embedded"`
}
