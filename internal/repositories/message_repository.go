package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"conversation-service/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

// createdAtTick is the step a message's createdAt is pushed past the
// conversation's updatedAt when the sender's clock lags behind it.
const createdAtTick = time.Millisecond

// nextCreatedAt keeps createdAt strictly after the conversation's last
// update, so persist order and createdAt order agree.
func nextCreatedAt(requested, lastUpdate time.Time) time.Time {
	if requested.After(lastUpdate) {
		return requested
	}
	return lastUpdate.Add(createdAtTick)
}

// pageLimit maps a non-positive limit to NULL, which Postgres reads as no
// limit.
func pageLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

// MessageRepository defines interactions for conversation messages.
type MessageRepository interface {
	AppendMessage(ctx context.Context, msg models.Message) (models.Message, error)
	GetMessage(ctx context.Context, messageID string) (models.Message, error)
	ListMessages(ctx context.Context, conversationID string, page models.MessagePage) ([]models.Message, error)
	UpdateMessage(ctx context.Context, msg models.Message) (models.Message, error)
	MarkRead(ctx context.Context, conversationID string, userID string, upto time.Time) (int64, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, conversation_id, sender_id, type, content, media_url, reply_to, is_edited, is_deleted, read_by, created_at`

type messageRow struct {
	models.Message
	ReadBy pq.StringArray `db:"read_by"`
}

func (r messageRow) toModel() models.Message {
	msg := r.Message
	msg.ReadBy = []string(r.ReadBy)
	return msg
}

// AppendMessage inserts msg and points the conversation summary at it in
// one transaction. The conversation row lock orders concurrent appends
// from other instances; created_at never moves behind updated_at.
func (r *MessageRepo) AppendMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var updatedAt time.Time
	err = tx.GetContext(ctx, &updatedAt, `SELECT updated_at FROM conversations WHERE id=$1 FOR UPDATE`, msg.ConversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrConversationNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	msg.CreatedAt = nextCreatedAt(msg.CreatedAt, updatedAt)

	if _, err = tx.ExecContext(ctx, `INSERT INTO messages (`+messageColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Type, msg.Content, msg.MediaURL, msg.ReplyTo,
		msg.IsEdited, msg.IsDeleted, pq.StringArray(msg.ReadBy), msg.CreatedAt); err != nil {
		return models.Message{}, err
	}
	if _, err = tx.ExecContext(ctx, `UPDATE conversations SET last_message=$2, updated_at=$3 WHERE id=$1`,
		msg.ConversationID, models.SummaryOf(msg), msg.CreatedAt); err != nil {
		return models.Message{}, err
	}

	if err = tx.Commit(); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	var row messageRow
	err := r.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	return row.toModel(), nil
}

// ListMessages returns up to page.Limit messages older than page.Before,
// oldest first. A non-positive limit returns them all.
func (r *MessageRepo) ListMessages(ctx context.Context, conversationID string, page models.MessagePage) ([]models.Message, error) {
	var rows []messageRow
	var err error
	if page.Before.IsZero() {
		err = r.db.SelectContext(ctx, &rows, `SELECT `+messageColumns+` FROM messages
            WHERE conversation_id=$1 ORDER BY created_at DESC LIMIT $2`, conversationID, pageLimit(page.Limit))
	} else {
		err = r.db.SelectContext(ctx, &rows, `SELECT `+messageColumns+` FROM messages
            WHERE conversation_id=$1 AND created_at < $2 ORDER BY created_at DESC LIMIT $3`, conversationID, page.Before, pageLimit(page.Limit))
	}
	if err != nil {
		return nil, err
	}

	msgs := make([]models.Message, len(rows))
	for i, row := range rows {
		msgs[len(rows)-1-i] = row.toModel()
	}
	return msgs, nil
}

// UpdateMessage persists an edit or soft delete and refreshes the
// conversation summary when it points at this message.
func (r *MessageRepo) UpdateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var row messageRow
	err = tx.GetContext(ctx, &row, `UPDATE messages SET content=$2, media_url=$3, is_edited=$4, is_deleted=$5
        WHERE id=$1 RETURNING `+messageColumns, msg.ID, msg.Content, msg.MediaURL, msg.IsEdited, msg.IsDeleted)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	updated := row.toModel()

	if _, err = tx.ExecContext(ctx, `UPDATE conversations SET last_message=$2
        WHERE id=$1 AND last_message->>'messageId' = $3`, updated.ConversationID, models.SummaryOf(updated), updated.ID); err != nil {
		return models.Message{}, err
	}

	if err = tx.Commit(); err != nil {
		return models.Message{}, err
	}
	return updated, nil
}

// MarkRead adds userID to read_by of every message up to upto that it
// has not read yet. Read receipts are only ever appended.
func (r *MessageRepo) MarkRead(ctx context.Context, conversationID string, userID string, upto time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET read_by = array_append(read_by, $2)
        WHERE conversation_id=$1 AND created_at <= $3 AND NOT ($2 = ANY(read_by))`, conversationID, userID, upto)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
