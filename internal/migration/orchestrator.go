package migration

import (
	"context"
	"fmt"
	"time"

	"lorebank/internal/conversation"
	"lorebank/internal/logging"
	"lorebank/internal/memory"
	"lorebank/internal/store"
)

// Orchestrator drives bulk migration of legacy records into the dual-store
// model. It runs as a batch job independent of live traffic and has no
// built-in cancellation; stopping a run means terminating the enclosing
// process.
type Orchestrator struct {
	mem  *memory.Manager
	conv *conversation.Store
	db   *store.DB

	// Significant and Classify are injectable heuristics; both default to
	// the best-effort versions in this package.
	Significant SignificantFunc
	Classify    ClassifyFunc
}

// NewOrchestrator wires the orchestrator to the live stores.
func NewOrchestrator(mem *memory.Manager, conv *conversation.Store, db *store.DB) *Orchestrator {
	return &Orchestrator{
		mem:         mem,
		conv:        conv,
		db:          db,
		Significant: DefaultSignificant,
		Classify:    DefaultClassify,
	}
}

// MigratePosts replays legacy posts into character memory, mirroring
// significant ones into the collective collection. A bad record appends
// to Errors and the loop continues; the run never aborts.
func (o *Orchestrator) MigratePosts(ctx context.Context, posts []LegacyPost, opts Options) *Result {
	start := time.Now()
	result := &Result{}
	batchSize := opts.batchSize()

	logging.Migration("migrating %d posts (batch=%d dryRun=%v skipVec=%v)",
		len(posts), batchSize, opts.DryRun, opts.SkipVectorization)

	for i := 0; i < len(posts); i += batchSize {
		end := i + batchSize
		if end > len(posts) {
			end = len(posts)
		}
		for _, post := range posts[i:end] {
			if err := o.migratePost(ctx, post, opts, result); err != nil {
				result.Errors = append(result.Errors,
					fmt.Sprintf("post %s: %v", post.ID, err))
				continue
			}
			result.PostsProcessed++
		}
		logging.Migration("posts progress: %d/%d (%d errors)", end, len(posts), len(result.Errors))
	}

	result.Success = len(result.Errors) == 0
	result.Duration = time.Since(start)
	return result
}

func (o *Orchestrator) migratePost(ctx context.Context, post LegacyPost, opts Options, result *Result) error {
	if post.Content == "" {
		return fmt.Errorf("empty content")
	}
	if post.AuthorID == "" {
		return fmt.Errorf("missing author")
	}

	significant := o.Significant(post)

	if opts.DryRun {
		if !opts.SkipVectorization {
			result.VectorsCreated++
			if significant {
				result.VectorsCreated++
			}
		}
		return nil
	}

	// The registry row is the post's relational footprint; the vector
	// write follows unless skipped.
	if _, err := o.mem.EnsureCollection(ctx, memory.KindCharacter, post.AuthorID, post.CampaignID); err != nil {
		return err
	}
	if opts.SkipVectorization {
		return nil
	}

	entry := memory.Entry{
		Content:     post.Content,
		ContentType: "post",
		Metadata: map[string]interface{}{
			"likes":    post.Likes,
			"reposts":  post.Reposts,
			"postedAt": post.Timestamp.UTC().Format(time.RFC3339),
		},
		OriginalID: post.ID,
	}
	if _, err := o.mem.Store(ctx, memory.KindCharacter, post.AuthorID, entry, post.CampaignID); err != nil {
		return err
	}
	result.VectorsCreated++

	if significant {
		mirror := memory.Entry{
			Content:        post.Content,
			ContentType:    "major_event",
			Classification: memory.ClassPublic,
			Metadata: map[string]interface{}{
				"authorId": post.AuthorID,
			},
			OriginalID: post.ID,
		}
		if _, err := o.mem.Store(ctx, memory.KindCivilization, opts.collectiveActorID(), mirror, post.CampaignID); err != nil {
			return fmt.Errorf("mirror to collective memory: %w", err)
		}
		result.VectorsCreated++
	}
	return nil
}

// MigrateConversations replays legacy conversations through the
// conversation store, so the privacy rule table decides storability for
// every message. Storable character messages are also ingested as memories
// and back-linked via their vector id.
func (o *Orchestrator) MigrateConversations(ctx context.Context, convs []LegacyConversation, opts Options) *Result {
	start := time.Now()
	result := &Result{}
	batchSize := opts.batchSize()

	logging.Migration("migrating %d conversations (batch=%d dryRun=%v)",
		len(convs), batchSize, opts.DryRun)

	for i := 0; i < len(convs); i += batchSize {
		end := i + batchSize
		if end > len(convs) {
			end = len(convs)
		}
		for _, lc := range convs[i:end] {
			if err := o.migrateConversation(ctx, lc, opts, result); err != nil {
				result.Errors = append(result.Errors,
					fmt.Sprintf("conversation %s: %v", lc.ID, err))
				continue
			}
			result.ConversationsProcessed++
		}
		logging.Migration("conversations progress: %d/%d (%d errors)", end, len(convs), len(result.Errors))
	}

	result.Success = len(result.Errors) == 0
	result.Duration = time.Since(start)
	return result
}

func (o *Orchestrator) migrateConversation(ctx context.Context, lc LegacyConversation, opts Options, result *Result) error {
	if len(lc.Participants) == 0 {
		return fmt.Errorf("no participants")
	}

	convType := o.Classify(lc)
	storable := o.conv.Rules().Rule(convType).Storable

	if opts.DryRun {
		if storable && !opts.SkipVectorization {
			for _, m := range lc.Messages {
				if SenderTypeFor(m.SenderID) == conversation.SenderCharacter {
					result.VectorsCreated++
				}
			}
		}
		return nil
	}

	convID, err := o.conv.CreateConversation(ctx, &conversation.Conversation{
		ID:           lc.ID,
		CampaignID:   lc.CampaignID,
		Type:         convType,
		Participants: lc.Participants,
	})
	if err != nil {
		return err
	}

	for idx, m := range lc.Messages {
		msg := &conversation.Message{
			ConversationID: convID,
			CampaignID:     lc.CampaignID,
			SenderID:       m.SenderID,
			SenderType:     SenderTypeFor(m.SenderID),
			Content:        m.Content,
			Timestamp:      m.Timestamp,
			MessageIndex:   idx,
		}
		msgID, err := o.conv.AddMessage(ctx, msg)
		if err != nil {
			return fmt.Errorf("message %d: %w", idx, err)
		}

		if !msg.IsStoredInMemory || opts.SkipVectorization || msg.SenderType != conversation.SenderCharacter {
			continue
		}
		vectorID, err := o.mem.Store(ctx, memory.KindCharacter, m.SenderID, memory.Entry{
			Content:     m.Content,
			ContentType: "conversation",
			Metadata:    map[string]interface{}{"conversationId": convID},
			OriginalID:  msgID,
		}, lc.CampaignID)
		if err != nil {
			return fmt.Errorf("vectorize message %d: %w", idx, err)
		}
		result.VectorsCreated++
		if err := o.conv.MarkVectorized(ctx, msgID, vectorID); err != nil {
			return fmt.Errorf("backlink message %d: %w", idx, err)
		}
	}
	return nil
}

// MigrateAll runs posts then conversations and merges the results.
func (o *Orchestrator) MigrateAll(ctx context.Context, data LegacyData, opts Options) *Result {
	start := time.Now()

	result := o.MigratePosts(ctx, data.Posts, opts)
	result.merge(o.MigrateConversations(ctx, data.Conversations, opts))

	result.Duration = time.Since(start)
	logging.Migration("migration complete: %d posts, %d conversations, %d vectors, %d errors in %s",
		result.PostsProcessed, result.ConversationsProcessed, result.VectorsCreated,
		len(result.Errors), result.Duration)
	return result
}

// Rollback clears the named vector collections. Relational rows written
// during migration are left in place; cleaning those up is a manual step.
func (o *Orchestrator) Rollback(ctx context.Context, opts RollbackOptions) *Result {
	start := time.Now()
	result := &Result{}

	for _, id := range opts.CharacterIDs {
		if err := o.mem.ClearAll(ctx, memory.KindCharacter, id); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("character %s: %v", id, err))
		}
	}
	for _, id := range opts.CivilizationIDs {
		if err := o.mem.ClearAll(ctx, memory.KindCivilization, id); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("civilization %s: %v", id, err))
		}
	}

	result.Success = len(result.Errors) == 0
	result.Duration = time.Since(start)
	logging.Migration("rollback cleared %d collections (%d errors); relational rows untouched",
		len(opts.CharacterIDs)+len(opts.CivilizationIDs)-len(result.Errors), len(result.Errors))
	return result
}

// Validate recomputes live counts from the vector index and the relational
// store and compares them to the caller's expectations. Read-only.
func (o *Orchestrator) Validate(ctx context.Context, expect Expectations) (*ValidationReport, error) {
	report := &ValidationReport{
		Stats: ValidationStats{
			CharacterMemories:    make(map[string]int64),
			CivilizationMemories: make(map[string]int64),
		},
	}

	for actorID, want := range expect.CharacterMemories {
		st, err := o.mem.Stats(ctx, memory.KindCharacter, actorID)
		if err != nil {
			report.Issues = append(report.Issues,
				fmt.Sprintf("character %s: stats unavailable: %v", actorID, err))
			continue
		}
		report.Stats.CharacterMemories[actorID] = st.TotalMemories
		if st.TotalMemories != want {
			report.Issues = append(report.Issues,
				fmt.Sprintf("character %s: expected %d memories, found %d", actorID, want, st.TotalMemories))
		}
	}
	for actorID, want := range expect.CivilizationMemories {
		st, err := o.mem.Stats(ctx, memory.KindCivilization, actorID)
		if err != nil {
			report.Issues = append(report.Issues,
				fmt.Sprintf("civilization %s: stats unavailable: %v", actorID, err))
			continue
		}
		report.Stats.CivilizationMemories[actorID] = st.TotalMemories
		if st.TotalMemories != want {
			report.Issues = append(report.Issues,
				fmt.Sprintf("civilization %s: expected %d memories, found %d", actorID, want, st.TotalMemories))
		}
	}

	if err := o.db.Conn().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM conversations").Scan(&report.Stats.Conversations); err != nil {
		return nil, fmt.Errorf("count conversations: %w", err)
	}
	if err := o.db.Conn().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM conversation_messages").Scan(&report.Stats.Messages); err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	if expect.Conversations > 0 && report.Stats.Conversations != expect.Conversations {
		report.Issues = append(report.Issues,
			fmt.Sprintf("expected %d conversations, found %d", expect.Conversations, report.Stats.Conversations))
	}

	report.Valid = len(report.Issues) == 0
	return report, nil
}
