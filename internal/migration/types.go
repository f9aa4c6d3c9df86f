// Package migration replays legacy flat records through the memory and
// conversation stores in controlled batches, with dry-run, per-record error
// accumulation, rollback of vector collections, and post-hoc validation.
package migration

import (
	"strings"
	"time"

	"lorebank/internal/conversation"
)

// LegacyPost is one flat post record from the pre-dual-store era.
type LegacyPost struct {
	ID         string    `json:"id"`
	AuthorID   string    `json:"authorId"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	Likes      int       `json:"likes"`
	Reposts    int       `json:"reposts"`
	CampaignID *int64    `json:"campaignId,omitempty"`
}

// LegacyMessage is one message inside a legacy conversation dump.
type LegacyMessage struct {
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// LegacyConversation is one flat conversation record.
type LegacyConversation struct {
	ID           string          `json:"id"`
	Participants []string        `json:"participants"`
	Messages     []LegacyMessage `json:"messages"`
	CampaignID   *int64          `json:"campaignId,omitempty"`
}

// LegacyData bundles both record kinds for a full migration run.
type LegacyData struct {
	Posts         []LegacyPost         `json:"posts"`
	Conversations []LegacyConversation `json:"conversations"`
}

// Options controls a migration run. Batch boundaries exist only for
// logging checkpoints and working-set bounds, they carry no transactional
// meaning.
type Options struct {
	BatchSize         int
	DryRun            bool
	SkipVectorization bool
	// CollectiveActorID names the civilization collection that receives
	// mirrored copies of significant posts.
	CollectiveActorID string
}

const (
	defaultBatchSize         = 50
	defaultCollectiveActorID = "galaxy"
)

func (o Options) batchSize() int {
	if o.BatchSize <= 0 {
		return defaultBatchSize
	}
	return o.BatchSize
}

func (o Options) collectiveActorID() string {
	if o.CollectiveActorID == "" {
		return defaultCollectiveActorID
	}
	return o.CollectiveActorID
}

// Result reports a migration run. Success means zero per-record errors;
// the run itself never aborts on a single bad record.
type Result struct {
	Success                bool          `json:"success"`
	PostsProcessed         int           `json:"postsProcessed"`
	ConversationsProcessed int           `json:"conversationsProcessed"`
	VectorsCreated         int           `json:"vectorsCreated"`
	Errors                 []string      `json:"errors"`
	Duration               time.Duration `json:"duration"`
}

func (r *Result) merge(other *Result) {
	r.PostsProcessed += other.PostsProcessed
	r.ConversationsProcessed += other.ConversationsProcessed
	r.VectorsCreated += other.VectorsCreated
	r.Errors = append(r.Errors, other.Errors...)
	r.Success = len(r.Errors) == 0
}

// RollbackOptions names the collections to clear. Relational rows are not
// touched by rollback.
type RollbackOptions struct {
	CharacterIDs    []string
	CivilizationIDs []string
}

// Expectations are the caller-supplied counts Validate checks against.
type Expectations struct {
	CharacterMemories    map[string]int64
	CivilizationMemories map[string]int64
	Conversations        int64
}

// ValidationReport is the outcome of a Validate pass. Nothing is mutated.
type ValidationReport struct {
	Valid  bool
	Issues []string
	Stats  ValidationStats
}

// ValidationStats are the live counts recomputed during validation.
type ValidationStats struct {
	CharacterMemories    map[string]int64
	CivilizationMemories map[string]int64
	Conversations        int64
	Messages             int64
}

// SignificantFunc decides whether a post also gets mirrored into the
// collective memory as a major event. The default is a best-effort
// heuristic; callers with better signals should inject their own.
type SignificantFunc func(LegacyPost) bool

// ClassifyFunc infers a conversation type from a legacy record. The
// default sniffs participant counts and id prefixes; injectable for the
// same reason as SignificantFunc.
type ClassifyFunc func(LegacyConversation) conversation.Type

var notableKeywords = []string{"war", "treaty", "alliance", "invasion", "discovery", "election", "coronation"}

// DefaultSignificant flags posts with high engagement or notable keywords.
func DefaultSignificant(p LegacyPost) bool {
	if p.Likes+p.Reposts >= 10 {
		return true
	}
	content := strings.ToLower(p.Content)
	for _, kw := range notableKeywords {
		if strings.Contains(content, kw) {
			return true
		}
	}
	return false
}

// DefaultClassify types a legacy conversation from its participant list:
// two participants where one carries a character prefix means direct
// character/player dialogue, more than four means an alliance channel,
// anything else a party channel.
func DefaultClassify(c LegacyConversation) conversation.Type {
	if len(c.Participants) == 2 {
		for _, p := range c.Participants {
			if strings.HasPrefix(p, "char") {
				return conversation.TypeCharacterPlayer
			}
		}
	}
	if len(c.Participants) > 4 {
		return conversation.TypeAlliance
	}
	return conversation.TypeParty
}

// SenderTypeFor derives a sender type from id prefix conventions.
func SenderTypeFor(senderID string) conversation.SenderType {
	switch {
	case strings.HasPrefix(senderID, "char"):
		return conversation.SenderCharacter
	case strings.HasPrefix(senderID, "system"):
		return conversation.SenderSystem
	default:
		return conversation.SenderPlayer
	}
}
