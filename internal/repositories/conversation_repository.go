package repositories

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"conversation-service/internal/models"
)

var ErrConversationNotFound = errors.New("conversation not found")

// ConversationRepository abstracts conversation persistence.
type ConversationRepository interface {
	CreateConversation(ctx context.Context, conv models.Conversation) (models.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (models.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]models.Conversation, error)
	ListConversationIDs(ctx context.Context, userID string) ([]string, error)
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

const conversationColumns = `c.id, c.kind, c.title, c.image_url, c.last_message, c.updated_at, c.created_at`

// PairKey identifies the individual conversation between two participants
// regardless of who started it.
func PairKey(participants []string) string {
	ids := append([]string(nil), participants...)
	sort.Strings(ids)
	return strings.Join(ids, ":")
}

// CreateConversation inserts the conversation with its participants. An
// individual conversation that already exists for the same pair is
// returned unchanged.
func (r *ConversationRepo) CreateConversation(ctx context.Context, conv models.Conversation) (models.Conversation, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Conversation{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var pairKey sql.NullString
	if conv.Kind == models.KindIndividual {
		pairKey = sql.NullString{String: PairKey(conv.Participants), Valid: true}
		var existingID string
		err = tx.GetContext(ctx, &existingID, `SELECT id FROM conversations WHERE pair_key=$1`, pairKey)
		if err == nil {
			if err = tx.Commit(); err != nil {
				return models.Conversation{}, err
			}
			return r.GetConversation(ctx, existingID)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return models.Conversation{}, err
		}
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO conversations (id, kind, title, image_url, pair_key, updated_at, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (pair_key) DO NOTHING`,
		conv.ID, conv.Kind, conv.Title, conv.ImageURL, pairKey, conv.UpdatedAt, conv.CreatedAt)
	if err != nil {
		return models.Conversation{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// lost a race against a concurrent first contact
		var existingID string
		if err = tx.GetContext(ctx, &existingID, `SELECT id FROM conversations WHERE pair_key=$1`, pairKey); err != nil {
			return models.Conversation{}, err
		}
		if err = tx.Commit(); err != nil {
			return models.Conversation{}, err
		}
		return r.GetConversation(ctx, existingID)
	}

	for _, id := range conv.Participants {
		if _, err = tx.ExecContext(ctx, `INSERT INTO conversation_participants (conversation_id, user_id) VALUES ($1, $2)`, conv.ID, id); err != nil {
			return models.Conversation{}, err
		}
	}

	if err = tx.Commit(); err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

// GetConversation fetches a conversation and its participants.
func (r *ConversationRepo) GetConversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations c WHERE c.id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return models.Conversation{}, err
	}
	if err := r.db.SelectContext(ctx, &conv.Participants, `SELECT user_id FROM conversation_participants WHERE conversation_id=$1 ORDER BY user_id`, conversationID); err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

// ListConversations returns the user's conversations, most recently active first.
func (r *ConversationRepo) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := r.db.SelectContext(ctx, &convs, `SELECT `+conversationColumns+` FROM conversations c
        INNER JOIN conversation_participants cp ON cp.conversation_id = c.id
        WHERE cp.user_id=$1
        ORDER BY c.updated_at DESC`, userID)
	if err != nil || len(convs) == 0 {
		return convs, err
	}

	ids := make([]string, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.ID)
	}
	var rows []struct {
		ConversationID string `db:"conversation_id"`
		UserID         string `db:"user_id"`
	}
	if err := r.db.SelectContext(ctx, &rows, `SELECT conversation_id, user_id FROM conversation_participants
        WHERE conversation_id = ANY($1) ORDER BY user_id`, pq.Array(ids)); err != nil {
		return nil, err
	}
	byConv := make(map[string][]string, len(convs))
	for _, row := range rows {
		byConv[row.ConversationID] = append(byConv[row.ConversationID], row.UserID)
	}
	for i := range convs {
		convs[i].Participants = byConv[convs[i].ID]
	}
	return convs, nil
}

// ListConversationIDs returns the ids of every conversation the user belongs to.
func (r *ConversationRepo) ListConversationIDs(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `SELECT conversation_id FROM conversation_participants WHERE user_id=$1`, userID)
	return ids, err
}
