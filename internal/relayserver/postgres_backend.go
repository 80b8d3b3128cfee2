package relayserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"sealdm/internal/domain"
)

var pgMigrations = []string{
	`CREATE TABLE IF NOT EXISTS dm_public_keys (
		user_id VARCHAR(255) PRIMARY KEY,
		public_key BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS dm_conversations (
		conversation_id VARCHAR(64) PRIMARY KEY,
		user1_id VARCHAR(255) NOT NULL,
		user2_id VARCHAR(255) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_message_at TIMESTAMPTZ,
		revision BIGINT NOT NULL DEFAULT 0,
		CONSTRAINT unique_dm_pair UNIQUE (user1_id, user2_id),
		CONSTRAINT ordered_users CHECK (user1_id < user2_id)
	)`,

	`CREATE TABLE IF NOT EXISTS dm_messages (
		message_id VARCHAR(64) PRIMARY KEY,
		conversation_id VARCHAR(64) NOT NULL REFERENCES dm_conversations(conversation_id) ON DELETE CASCADE,
		sender_id VARCHAR(255) NOT NULL,
		recipient_id VARCHAR(255) NOT NULL,
		message_type VARCHAR(16) NOT NULL CHECK (message_type IN ('text', 'image', 'file')),
		sealed_at BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		edited_at TIMESTAMPTZ,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		revision BIGINT NOT NULL,
		for_recipient JSONB,
		for_sender JSONB
	)`,

	`CREATE INDEX IF NOT EXISTS idx_dm_messages_revision
	ON dm_messages(conversation_id, revision)`,

	`CREATE TABLE IF NOT EXISTS dm_reactions (
		message_id VARCHAR(64) NOT NULL REFERENCES dm_messages(message_id) ON DELETE CASCADE,
		reactor_id VARCHAR(255) NOT NULL,
		emoji VARCHAR(64) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (message_id, reactor_id, emoji)
	)`,

	`CREATE TABLE IF NOT EXISTS dm_read_markers (
		conversation_id VARCHAR(64) NOT NULL REFERENCES dm_conversations(conversation_id) ON DELETE CASCADE,
		user_id VARCHAR(255) NOT NULL,
		last_read_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (conversation_id, user_id)
	)`,
}

// PostgresBackend stores relay state in PostgreSQL.
type PostgresBackend struct {
	db *sql.DB
}

// OpenPostgres connects to dsn and runs migrations.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	b := NewPostgresBackend(db)
	if err := b.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// NewPostgresBackend wraps an open database handle.
func NewPostgresBackend(db *sql.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

// Migrate creates the relay tables if they do not exist.
func (s *PostgresBackend) Migrate(ctx context.Context) error {
	for i, m := range pgMigrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
	}
	return nil
}

func (s *PostgresBackend) PutPublicKey(ctx context.Context, user domain.UserID, key domain.X25519Public) error {
	if key.IsZero() {
		return invalidf("empty public key")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dm_public_keys (user_id, public_key, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET public_key = $2, updated_at = $3`,
		string(user), key.Slice(), time.Now())
	return err
}

func (s *PostgresBackend) GetPublicKey(ctx context.Context, user domain.UserID) (domain.X25519Public, error) {
	var (
		raw []byte
		pub domain.X25519Public
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT public_key FROM dm_public_keys WHERE user_id = $1`, string(user)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return pub, domain.ErrNotFound
	}
	if err != nil {
		return pub, err
	}
	if len(raw) != len(pub) {
		return pub, fmt.Errorf("stored key for %s has %d bytes", user, len(raw))
	}
	copy(pub[:], raw)
	return pub, nil
}

// UpsertConversation relies on the unique ordered pair: a concurrent insert
// for the same pair hits ON CONFLICT and returns the winner's row.
func (s *PostgresBackend) UpsertConversation(ctx context.Context, a, b domain.UserID) (domain.Conversation, error) {
	if a == "" || b == "" || a == b {
		return domain.Conversation{}, invalidf("a conversation needs two distinct participants")
	}
	pair := domain.OrderedPair(a, b)
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO dm_conversations (conversation_id, user1_id, user2_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (user1_id, user2_id) DO UPDATE SET user1_id = EXCLUDED.user1_id
		RETURNING conversation_id, user1_id, user2_id, created_at, last_message_at`,
		uuid.NewString(), string(pair[0]), string(pair[1]))
	return scanConversation(row)
}

func (s *PostgresBackend) GetConversation(ctx context.Context, id domain.ConversationID) (domain.Conversation, error) {
	return getConversation(ctx, s.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func getConversation(ctx context.Context, q queryer, id domain.ConversationID) (domain.Conversation, error) {
	row := q.QueryRowContext(ctx, `
		SELECT conversation_id, user1_id, user2_id, created_at, last_message_at
		FROM dm_conversations WHERE conversation_id = $1`, string(id))
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return c, domain.ErrNotFound
	}
	return c, err
}

func scanConversation(row *sql.Row) (domain.Conversation, error) {
	var (
		c        domain.Conversation
		id       string
		u1, u2   string
		lastSent sql.NullTime
	)
	if err := row.Scan(&id, &u1, &u2, &c.CreatedAt, &lastSent); err != nil {
		return domain.Conversation{}, err
	}
	c.ID = domain.ConversationID(id)
	c.Participants = [2]domain.UserID{domain.UserID(u1), domain.UserID(u2)}
	if lastSent.Valid {
		t := lastSent.Time
		c.LastMessageAt = &t
	}
	return c, nil
}

func (s *PostgresBackend) ListConversations(ctx context.Context, viewer domain.UserID) ([]domain.ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.conversation_id,
		       CASE WHEN c.user1_id = $1 THEN c.user2_id ELSE c.user1_id END,
		       COALESCE(c.last_message_at, c.created_at) AS last_at,
		       (SELECT COUNT(*) FROM dm_messages m
		         WHERE m.conversation_id = c.conversation_id
		           AND m.recipient_id = $1
		           AND NOT m.is_deleted
		           AND m.created_at > COALESCE(r.last_read_at, 'epoch'::timestamptz))
		FROM dm_conversations c
		LEFT JOIN dm_read_markers r
		       ON r.conversation_id = c.conversation_id AND r.user_id = $1
		WHERE c.user1_id = $1 OR c.user2_id = $1
		ORDER BY last_at DESC, c.conversation_id`, string(viewer))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ConversationSummary
	for rows.Next() {
		var (
			s      domain.ConversationSummary
			id     string
			peer   string
			unread int
		)
		if err := rows.Scan(&id, &peer, &s.LastMessageAt, &unread); err != nil {
			return nil, err
		}
		s.ID, s.PeerID, s.UnreadCount = domain.ConversationID(id), domain.UserID(peer), unread
		out = append(out, s)
	}
	return out, rows.Err()
}

func (s *PostgresBackend) MarkRead(ctx context.Context, id domain.ConversationID, viewer domain.UserID) error {
	c, err := s.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	if !c.Has(viewer) {
		return ErrForbidden
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dm_read_markers (conversation_id, user_id, last_read_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id, user_id) DO UPDATE SET last_read_at = $3`,
		string(id), string(viewer), time.Now())
	return err
}

// bumpRevision row-locks the conversation for the rest of tx, which
// serializes writers per conversation.
func bumpRevision(ctx context.Context, tx *sql.Tx, id domain.ConversationID, lastMessageAt *time.Time) (int64, error) {
	var rev int64
	err := tx.QueryRowContext(ctx, `
		UPDATE dm_conversations
		SET revision = revision + 1,
		    last_message_at = COALESCE($2, last_message_at)
		WHERE conversation_id = $1
		RETURNING revision`, string(id), lastMessageAt).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	return rev, err
}

func (s *PostgresBackend) InsertMessage(ctx context.Context, row domain.EnvelopeRow) (domain.EnvelopeRow, bool, error) {
	if existing, err := loadRow(ctx, s.db, row.ID); err == nil {
		if !sameSubmission(existing, row) {
			return domain.EnvelopeRow{}, false, ErrConflict
		}
		return existing, false, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.EnvelopeRow{}, false, err
	}

	conv, err := s.GetConversation(ctx, row.ConversationID)
	if err != nil {
		return domain.EnvelopeRow{}, false, err
	}
	if err := validateNewRow(conv, row); err != nil {
		return domain.EnvelopeRow{}, false, err
	}
	forRecipient, err := json.Marshal(row.ForRecipient)
	if err != nil {
		return domain.EnvelopeRow{}, false, err
	}
	forSender, err := json.Marshal(row.ForSender)
	if err != nil {
		return domain.EnvelopeRow{}, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.EnvelopeRow{}, false, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	rev, err := bumpRevision(ctx, tx, row.ConversationID, &now)
	if err != nil {
		return domain.EnvelopeRow{}, false, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO dm_messages (message_id, conversation_id, sender_id, recipient_id,
		                         message_type, sealed_at, created_at, revision,
		                         for_recipient, for_sender)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		string(row.ID), string(row.ConversationID), string(row.SenderID), string(row.RecipientID),
		string(row.Type), row.SealedAt, now, rev, string(forRecipient), string(forSender))
	if isUniqueViolation(err) {
		// Lost a race against a retry of the same submission.
		_ = tx.Rollback()
		existing, lerr := loadRow(ctx, s.db, row.ID)
		if lerr != nil {
			return domain.EnvelopeRow{}, false, lerr
		}
		if !sameSubmission(existing, row) {
			return domain.EnvelopeRow{}, false, ErrConflict
		}
		return existing, false, nil
	}
	if err != nil {
		return domain.EnvelopeRow{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.EnvelopeRow{}, false, err
	}
	stored, err := loadRow(ctx, s.db, row.ID)
	return stored, true, err
}

func (s *PostgresBackend) EditMessage(ctx context.Context, caller domain.UserID, edit domain.EditRequest) (domain.EnvelopeRow, error) {
	if err := validateEdit(edit); err != nil {
		return domain.EnvelopeRow{}, err
	}
	forRecipient, err := json.Marshal(edit.ForRecipient)
	if err != nil {
		return domain.EnvelopeRow{}, err
	}
	forSender, err := json.Marshal(edit.ForSender)
	if err != nil {
		return domain.EnvelopeRow{}, err
	}

	return s.mutate(ctx, edit.ConversationID, edit.MessageID, func(tx *sql.Tx, cur domain.EnvelopeRow) (bool, error) {
		if cur.SenderID != caller {
			return false, domain.ErrNotSender
		}
		if cur.Deleted {
			return false, domain.ErrDeleted
		}
		rev, err := bumpRevision(ctx, tx, edit.ConversationID, nil)
		if err != nil {
			return false, err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE dm_messages
			SET for_recipient = $2, for_sender = $3, sealed_at = $4, edited_at = $5, revision = $6
			WHERE message_id = $1`,
			string(edit.MessageID), string(forRecipient), string(forSender), edit.SealedAt, time.Now().UTC(), rev)
		return true, err
	})
}

func (s *PostgresBackend) DeleteMessage(ctx context.Context, caller domain.UserID, conv domain.ConversationID, id domain.MessageID) (domain.EnvelopeRow, error) {
	return s.mutate(ctx, conv, id, func(tx *sql.Tx, cur domain.EnvelopeRow) (bool, error) {
		if cur.SenderID != caller {
			return false, domain.ErrNotSender
		}
		if cur.Deleted {
			return false, nil
		}
		rev, err := bumpRevision(ctx, tx, conv, nil)
		if err != nil {
			return false, err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM dm_reactions WHERE message_id = $1`, string(id)); err != nil {
			return false, err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE dm_messages
			SET is_deleted = TRUE, for_recipient = NULL, for_sender = NULL, revision = $2
			WHERE message_id = $1`, string(id), rev)
		return true, err
	})
}

func (s *PostgresBackend) ApplyReaction(ctx context.Context, change domain.ReactionChange) (domain.EnvelopeRow, bool, error) {
	if err := validateReaction(change); err != nil {
		return domain.EnvelopeRow{}, false, err
	}
	var changed bool
	row, err := s.mutate(ctx, change.ConversationID, change.MessageID, func(tx *sql.Tx, cur domain.EnvelopeRow) (bool, error) {
		if cur.SenderID != change.ReactorID && cur.RecipientID != change.ReactorID {
			return false, ErrForbidden
		}
		if cur.Deleted {
			return false, domain.ErrDeleted
		}
		var (
			res sql.Result
			err error
		)
		if change.Added {
			res, err = tx.ExecContext(ctx, `
				INSERT INTO dm_reactions (message_id, reactor_id, emoji)
				VALUES ($1, $2, $3)
				ON CONFLICT DO NOTHING`,
				string(change.MessageID), string(change.ReactorID), change.Emoji)
		} else {
			res, err = tx.ExecContext(ctx, `
				DELETE FROM dm_reactions
				WHERE message_id = $1 AND reactor_id = $2 AND emoji = $3`,
				string(change.MessageID), string(change.ReactorID), change.Emoji)
		}
		if err != nil {
			return false, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return false, nil
		}
		rev, err := bumpRevision(ctx, tx, change.ConversationID, nil)
		if err != nil {
			return false, err
		}
		_, err = tx.ExecContext(ctx, `UPDATE dm_messages SET revision = $2 WHERE message_id = $1`,
			string(change.MessageID), rev)
		changed = err == nil
		return changed, err
	})
	return row, changed, err
}

// mutate runs fn against the current row inside a transaction and returns
// the row as stored afterwards.
func (s *PostgresBackend) mutate(
	ctx context.Context,
	conv domain.ConversationID,
	id domain.MessageID,
	fn func(tx *sql.Tx, cur domain.EnvelopeRow) (bool, error),
) (domain.EnvelopeRow, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.EnvelopeRow{}, err
	}
	defer tx.Rollback()

	// Lock the conversation first so revision order matches commit order.
	if _, err := tx.ExecContext(ctx,
		`SELECT 1 FROM dm_conversations WHERE conversation_id = $1 FOR UPDATE`, string(conv)); err != nil {
		return domain.EnvelopeRow{}, err
	}
	cur, err := loadRow(ctx, tx, id)
	if err != nil {
		return domain.EnvelopeRow{}, err
	}
	if cur.ConversationID != conv {
		return domain.EnvelopeRow{}, domain.ErrNotFound
	}
	changed, err := fn(tx, cur)
	if err != nil {
		return domain.EnvelopeRow{}, err
	}
	if !changed {
		return cur, nil
	}
	if err := tx.Commit(); err != nil {
		return domain.EnvelopeRow{}, err
	}
	return loadRow(ctx, s.db, id)
}

func (s *PostgresBackend) MessagesSince(ctx context.Context, conv domain.ConversationID, since int64) ([]domain.EnvelopeRow, error) {
	if _, err := s.GetConversation(ctx, conv); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, selectRows+`
		WHERE conversation_id = $1 AND revision > $2
		ORDER BY revision ASC`, string(conv), since)
	if err != nil {
		return nil, err
	}
	out, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	if err := attachReactions(ctx, s.db, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresBackend) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *PostgresBackend) Close() error { return s.db.Close() }

const selectRows = `
	SELECT message_id, conversation_id, sender_id, recipient_id, message_type,
	       sealed_at, created_at, edited_at, is_deleted, revision, for_recipient, for_sender
	FROM dm_messages`

func loadRow(ctx context.Context, q queryer, id domain.MessageID) (domain.EnvelopeRow, error) {
	rows, err := q.QueryContext(ctx, selectRows+` WHERE message_id = $1`, string(id))
	if err != nil {
		return domain.EnvelopeRow{}, err
	}
	out, err := scanRows(rows)
	if err != nil {
		return domain.EnvelopeRow{}, err
	}
	if len(out) == 0 {
		return domain.EnvelopeRow{}, domain.ErrNotFound
	}
	if err := attachReactions(ctx, q, out); err != nil {
		return domain.EnvelopeRow{}, err
	}
	return out[0], nil
}

func scanRows(rows *sql.Rows) ([]domain.EnvelopeRow, error) {
	defer rows.Close()

	var out []domain.EnvelopeRow
	for rows.Next() {
		var (
			r                     domain.EnvelopeRow
			id, conv, from, to    string
			typ                   string
			edited                sql.NullTime
			forRecipient, forSelf []byte
		)
		if err := rows.Scan(&id, &conv, &from, &to, &typ, &r.SealedAt, &r.CreatedAt,
			&edited, &r.Deleted, &r.Revision, &forRecipient, &forSelf); err != nil {
			return nil, err
		}
		r.ID, r.ConversationID = domain.MessageID(id), domain.ConversationID(conv)
		r.SenderID, r.RecipientID = domain.UserID(from), domain.UserID(to)
		r.Type = domain.MessageType(typ)
		if edited.Valid {
			t := edited.Time
			r.EditedAt = &t
		}
		var err error
		if r.ForRecipient, err = decodeEnvelope(forRecipient); err != nil {
			return nil, err
		}
		if r.ForSender, err = decodeEnvelope(forSelf); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func decodeEnvelope(raw []byte) (*domain.Envelope, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var env domain.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode stored envelope: %w", err)
	}
	return &env, nil
}

func attachReactions(ctx context.Context, q queryer, rows []domain.EnvelopeRow) error {
	if len(rows) == 0 {
		return nil
	}
	ids := make([]string, len(rows))
	index := make(map[domain.MessageID]int, len(rows))
	for i, r := range rows {
		ids[i] = string(r.ID)
		index[r.ID] = i
	}
	res, err := q.QueryContext(ctx, `
		SELECT message_id, reactor_id, emoji FROM dm_reactions
		WHERE message_id = ANY($1)
		ORDER BY created_at, reactor_id, emoji`, pq.Array(ids))
	if err != nil {
		return err
	}
	defer res.Close()
	for res.Next() {
		var mid, reactor, emoji string
		if err := res.Scan(&mid, &reactor, &emoji); err != nil {
			return err
		}
		i := index[domain.MessageID(mid)]
		rows[i].Reactions = append(rows[i].Reactions, domain.Reaction{
			MessageID: domain.MessageID(mid), ReactorID: domain.UserID(reactor), Emoji: emoji,
		})
	}
	return res.Err()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

var _ Backend = (*PostgresBackend)(nil)
