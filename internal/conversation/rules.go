// Package conversation persists conversations and their ordered messages,
// applying per-type privacy rules at write time to decide whether a message
// may ever be vectorized for semantic recall.
package conversation

// Type categorizes a conversation and fixes its privacy treatment. The
// type is immutable after creation.
type Type string

const (
	TypeCharacterPlayer Type = "character-player"
	TypePlayerPlayer    Type = "player-player"
	TypeAlliance        Type = "alliance"
	TypeParty           Type = "party"
	TypeSystem          Type = "system"
)

// SenderType distinguishes who authored a message.
type SenderType string

const (
	SenderPlayer    SenderType = "player"
	SenderCharacter SenderType = "character"
	SenderSystem    SenderType = "system"
)

// Rule is the privacy policy for one conversation type. RetentionDays of
// zero means no automatic expiry.
type Rule struct {
	Storable        bool
	RequiresConsent bool
	RetentionDays   int
	Description     string
}

// RuleTable maps conversation types to their privacy rules. Built once at
// startup and never mutated afterwards.
type RuleTable map[Type]Rule

// DefaultRules returns the fixed privacy rule table. Changing it later has
// no effect on messages already written; storability is baked into each
// message at insert time.
func DefaultRules() RuleTable {
	return RuleTable{
		TypeCharacterPlayer: {
			Storable:        true,
			RequiresConsent: true,
			RetentionDays:   365,
			Description:     "direct character/player dialogue, retained for recall",
		},
		TypePlayerPlayer: {
			Storable:    false,
			Description: "private player chat, never vectorized",
		},
		TypeAlliance: {
			Storable:    false,
			Description: "alliance channel, never vectorized",
		},
		TypeParty: {
			Storable:    false,
			Description: "party channel, never vectorized",
		},
		TypeSystem: {
			Storable:      true,
			RetentionDays: 90,
			Description:   "system notifications, short retention",
		},
	}
}

// Rule returns the rule for a type; unknown types are treated as
// non-storable.
func (rt RuleTable) Rule(t Type) Rule {
	return rt[t]
}
