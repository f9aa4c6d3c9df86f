package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"lorebank/internal/logging"
	"lorebank/internal/store"
)

// ErrNotFound marks a missing conversation or message.
var ErrNotFound = errors.New("conversation not found")

// Conversation is one persisted conversation record.
type Conversation struct {
	ID           string
	CampaignID   *int64
	Type         Type
	Participants []string
	IsPrivate    bool
	Metadata     map[string]interface{}
	MessageCount int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Message is one ordered message within a conversation. IsStoredInMemory
// is computed once at insert from the owning conversation's type; it is
// never recomputed, so later rule changes do not affect old messages.
// VectorID is back-filled once the message has been ingested as a memory.
type Message struct {
	ID               string
	ConversationID   string
	CampaignID       *int64
	SenderID         string
	SenderType       SenderType
	Content          string
	Timestamp        time.Time
	MessageIndex     int
	Entities         []string
	ActionType       string
	GameState        map[string]interface{}
	IsStoredInMemory bool
	VectorID         string
}

// CleanupResult reports what an expiry pass removed.
type CleanupResult struct {
	ConversationsDeleted int64
	MessagesDeleted      int64
}

// Store persists conversations against the relational database, applying
// the rule table on every message write.
type Store struct {
	db    *store.DB
	rules RuleTable
}

// NewStore builds a conversation store over an open database.
func NewStore(db *store.DB, rules RuleTable) *Store {
	return &Store{db: db, rules: rules}
}

// Rules returns the table this store applies.
func (s *Store) Rules() RuleTable {
	return s.rules
}

// CreateConversation inserts a new conversation. The type is fixed for the
// life of the record. A missing id gets a generated one.
func (s *Store) CreateConversation(ctx context.Context, c *Conversation) (string, error) {
	if c.Type == "" {
		return "", fmt.Errorf("conversation type required")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt

	participants, err := json.Marshal(c.Participants)
	if err != nil {
		return "", fmt.Errorf("serialize participants: %w", err)
	}
	metadata, err := json.Marshal(c.Metadata)
	if err != nil {
		return "", fmt.Errorf("serialize metadata: %w", err)
	}

	_, err = s.db.Conn().ExecContext(ctx, `
		INSERT INTO conversations (id, campaign_id, conversation_type, participants, is_private, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.CampaignID, string(c.Type), string(participants), c.IsPrivate, string(metadata), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}

	logging.ConversationDebug("created conversation %s (%s)", c.ID, c.Type)
	return c.ID, nil
}

// AddMessage persists a message. The storability flag is derived from the
// owning conversation's type right here and baked into the row; the
// conversation's updated_at and message_count are touched in the same
// transaction.
func (s *Store) AddMessage(ctx context.Context, m *Message) (string, error) {
	if m.ConversationID == "" {
		return "", fmt.Errorf("conversation id required")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}

	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("add message: %w", err)
	}
	defer tx.Rollback()

	var convType string
	err = tx.QueryRowContext(ctx,
		"SELECT conversation_type FROM conversations WHERE id = ?", m.ConversationID).Scan(&convType)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("add message to %s: %w", m.ConversationID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("add message: %w", err)
	}

	m.IsStoredInMemory = s.rules.Rule(Type(convType)).Storable

	entities, err := json.Marshal(m.Entities)
	if err != nil {
		return "", fmt.Errorf("serialize entities: %w", err)
	}
	gameState, err := json.Marshal(m.GameState)
	if err != nil {
		return "", fmt.Errorf("serialize game state: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversation_messages
			(id, conversation_id, campaign_id, sender_id, sender_type, content, timestamp,
			 message_index, entities, action_type, game_state, is_stored_in_memory)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.CampaignID, m.SenderID, string(m.SenderType), m.Content,
		m.Timestamp, m.MessageIndex, string(entities), m.ActionType, string(gameState),
		m.IsStoredInMemory)
	if err != nil {
		return "", fmt.Errorf("add message: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET message_count = message_count + 1, updated_at = ?
		WHERE id = ?`, m.Timestamp, m.ConversationID)
	if err != nil {
		return "", fmt.Errorf("touch conversation %s: %w", m.ConversationID, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("add message: %w", err)
	}
	return m.ID, nil
}

// GetStorableMessagesByActor returns messages sent by the actor that were
// marked storable at write time, newest first. This is the on-ramp for
// turning chat history into memory entries; privacy-excluded messages can
// never appear here.
func (s *Store) GetStorableMessagesByActor(ctx context.Context, actorID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT m.id, m.conversation_id, m.campaign_id, m.sender_id, m.sender_type, m.content,
		       m.timestamp, m.message_index, m.entities, m.action_type, m.game_state,
		       m.is_stored_in_memory, m.vector_id
		FROM conversation_messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE m.sender_id = ? AND m.is_stored_in_memory = 1
		ORDER BY m.timestamp DESC
		LIMIT ?`, actorID, limit)
	if err != nil {
		return nil, fmt.Errorf("storable messages for %s: %w", actorID, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MarkVectorized records the vector index id for a message after it has
// been ingested as a memory.
func (s *Store) MarkVectorized(ctx context.Context, messageID, vectorID string) error {
	res, err := s.db.Conn().ExecContext(ctx,
		"UPDATE conversation_messages SET vector_id = ? WHERE id = ?", vectorID, messageID)
	if err != nil {
		return fmt.Errorf("mark vectorized %s: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark vectorized %s: %w", messageID, err)
	}
	if n == 0 {
		return fmt.Errorf("mark vectorized %s: %w", messageID, ErrNotFound)
	}
	return nil
}

// CleanupExpired deletes conversations older than their type's retention
// period, cascading to messages. Idempotent; intended as a batch job.
func (s *Store) CleanupExpired(ctx context.Context) (*CleanupResult, error) {
	timer := logging.StartTimer(logging.CategoryConversation, "CleanupExpired")
	defer timer.Stop()

	now := time.Now().UTC()
	result := &CleanupResult{}

	for t, rule := range s.rules {
		if rule.RetentionDays <= 0 {
			continue
		}
		cutoff := now.AddDate(0, 0, -rule.RetentionDays)

		var messages int64
		err := s.db.Conn().QueryRowContext(ctx, `
			SELECT COUNT(*) FROM conversation_messages
			WHERE conversation_id IN (
				SELECT id FROM conversations WHERE conversation_type = ? AND updated_at < ?
			)`, string(t), cutoff).Scan(&messages)
		if err != nil {
			return nil, fmt.Errorf("cleanup %s: %w", t, err)
		}

		res, err := s.db.Conn().ExecContext(ctx,
			"DELETE FROM conversations WHERE conversation_type = ? AND updated_at < ?",
			string(t), cutoff)
		if err != nil {
			return nil, fmt.Errorf("cleanup %s: %w", t, err)
		}
		deleted, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("cleanup %s: %w", t, err)
		}
		result.ConversationsDeleted += deleted
		result.MessagesDeleted += messages

		if deleted > 0 {
			logging.Conversation("expired %d %s conversations (%d messages)", deleted, t, messages)
		}
	}
	return result, nil
}

// RecentConversations returns the actor's conversations, most recently
// active first.
func (s *Store) RecentConversations(ctx context.Context, actorID string, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT id, campaign_id, conversation_type, participants, is_private, metadata,
		       message_count, created_at, updated_at
		FROM conversations
		WHERE participants LIKE '%"' || ? || '"%'
		ORDER BY updated_at DESC
		LIMIT ?`, actorID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent conversations for %s: %w", actorID, err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c := &Conversation{}
		var typ, participants string
		var metadata sql.NullString
		if err := rows.Scan(&c.ID, &c.CampaignID, &typ, &participants, &c.IsPrivate,
			&metadata, &c.MessageCount, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Type = Type(typ)
		if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
			return nil, fmt.Errorf("parse participants for %s: %w", c.ID, err)
		}
		if metadata.Valid && metadata.String != "" && metadata.String != "null" {
			if err := json.Unmarshal([]byte(metadata.String), &c.Metadata); err != nil {
				return nil, fmt.Errorf("parse metadata for %s: %w", c.ID, err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Messages returns a conversation's messages in index order.
func (s *Store) Messages(ctx context.Context, conversationID string, limit, offset int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT id, conversation_id, campaign_id, sender_id, sender_type, content,
		       timestamp, message_index, entities, action_type, game_state,
		       is_stored_in_memory, vector_id
		FROM conversation_messages
		WHERE conversation_id = ?
		ORDER BY message_index ASC
		LIMIT ? OFFSET ?`, conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("messages for %s: %w", conversationID, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	var out []*Message
	for rows.Next() {
		m := &Message{}
		var senderType string
		var entities, gameState, actionType, vectorID sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.CampaignID, &m.SenderID, &senderType,
			&m.Content, &m.Timestamp, &m.MessageIndex, &entities, &actionType, &gameState,
			&m.IsStoredInMemory, &vectorID); err != nil {
			return nil, err
		}
		m.SenderType = SenderType(senderType)
		m.ActionType = actionType.String
		m.VectorID = vectorID.String
		if entities.Valid && entities.String != "" && entities.String != "null" {
			if err := json.Unmarshal([]byte(entities.String), &m.Entities); err != nil {
				return nil, fmt.Errorf("parse entities for %s: %w", m.ID, err)
			}
		}
		if gameState.Valid && gameState.String != "" && gameState.String != "null" {
			if err := json.Unmarshal([]byte(gameState.String), &m.GameState); err != nil {
				return nil, fmt.Errorf("parse game state for %s: %w", m.ID, err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
