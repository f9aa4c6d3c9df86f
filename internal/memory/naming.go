package memory

import "strings"

// DeriveCollectionName maps an actor to its vector collection name. Pure
// function of kind and id: non [A-Za-z0-9_] runes become underscores and
// the kind is prefixed, so repeated calls always agree and ensure-collection
// is safe to repeat.
func DeriveCollectionName(kind ActorKind, actorID string) string {
	var b strings.Builder
	b.Grow(len(kind) + 1 + len(actorID))
	b.WriteString(string(kind))
	b.WriteByte('_')
	for _, r := range actorID {
		if (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
