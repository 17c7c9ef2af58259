package policy

import (
	"regexp"

	"github.com/nidhogg/nuka-memory/internal/memory"
)

var importanceRe = regexp.MustCompile(`(?i)\b(important|critical|todo|remember|permanent):`)

// PromoteHitCount is the recall count at which a memory is promoted.
const PromoteHitCount = 5

// ShouldPromote reports whether a stored memory deserves promotion to the
// long-lived curated set. It is independent of Evaluate and runs out of band.
func ShouldPromote(text string, md memory.Metadata) bool {
	if importanceRe.MatchString(text) {
		return true
	}
	for _, tag := range []string{"important", "critical", "permanent"} {
		if md.HasTag(tag) {
			return true
		}
	}
	return md.HitCount >= PromoteHitCount
}
