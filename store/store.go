// This package is the sqlcipher backed Storage collaborator. Messages are keyed and indexed by
// (conversation, sender, sequence), so both the dedupe check and range reads for backfill are index lookups.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-meshsync/clock"
	"github.com/meow-io/go-meshsync/ids"
	"github.com/meow-io/go-meshsync/internal/db"
	"github.com/meow-io/go-meshsync/migration"
)

type Status int

const (
	NotFound Status = iota
	Found
	Invalid
)

type MessageStatus uint8

const (
	MessagePending MessageStatus = iota
	MessageComplete
	MessageFailedIntegrity
)

type Member struct {
	ID          ids.ID
	VerifyKey   []byte
	StreamStart uint64
}

type Conversation struct {
	ID        ids.ID
	Members   []Member
	KeyID     uint64
	CreatedMs uint64
}

type Message struct {
	ConversationID ids.ID
	SenderID       ids.ID
	Seq            uint64
	Payload        []byte
	ArrivalMs      uint64
	Status         MessageStatus
}

type MessageResult struct {
	Status  Status
	Message *Message
}

// Cursor is the persisted form of one sender stream's sequence state. Sparse marks sequences received above
// Highest, bit i standing for Highest+2+i. NextToAssign is only meaningful for the local sender. End, when
// non-zero, is one past the last sequence accepted from a sender that was removed.
type Cursor struct {
	ConversationID ids.ID
	SenderID       ids.ID
	NextToAssign   uint64
	Highest        uint64
	Head           uint64
	Sparse         []byte
	End            uint64
}

type CursorResult struct {
	Status Status
	Cursor *Cursor
}

type conversation struct {
	ID        []byte `db:"id"`
	KeyID     uint64 `db:"key_id"`
	CreatedMs uint64 `db:"ctime_ms"`
}

type member struct {
	ConversationID []byte `db:"conversation_id"`
	MemberID       []byte `db:"member_id"`
	Position       int    `db:"position"`
	VerifyKey      []byte `db:"verify_key"`
	StreamStart    uint64 `db:"stream_start"`
}

type message struct {
	ConversationID []byte `db:"conversation_id"`
	SenderID       []byte `db:"sender_id"`
	Seq            uint64 `db:"seq"`
	Payload        []byte `db:"payload"`
	ArrivalMs      uint64 `db:"arrival_ms"`
	Status         uint8  `db:"status"`
}

func (m *message) toMessage() *Message {
	return &Message{
		ConversationID: ids.IDFromBytes(m.ConversationID),
		SenderID:       ids.IDFromBytes(m.SenderID),
		Seq:            m.Seq,
		Payload:        m.Payload,
		ArrivalMs:      m.ArrivalMs,
		Status:         MessageStatus(m.Status),
	}
}

type cursor struct {
	ConversationID []byte `db:"conversation_id"`
	SenderID       []byte `db:"sender_id"`
	NextToAssign   uint64 `db:"next_to_assign"`
	Highest        uint64 `db:"highest"`
	Head           uint64 `db:"head"`
	Sparse         []byte `db:"sparse"`
	End            uint64 `db:"end_seq"`
}

type Store struct {
	db    *db.Database
	clock clock.Clock
}

func New(d *db.Database, cl clock.Clock) (*Store, error) {
	if err := d.Migrate("_store", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _conversations (
						id BLOB PRIMARY KEY,
						key_id INTEGER NOT NULL,
						ctime_ms INTEGER NOT NULL
					);

					CREATE TABLE _members (
						conversation_id BLOB NOT NULL,
						member_id BLOB NOT NULL,
						position INTEGER NOT NULL,
						verify_key BLOB NOT NULL,
						stream_start INTEGER NOT NULL,
						PRIMARY KEY (conversation_id, member_id),
						FOREIGN KEY(conversation_id) REFERENCES _conversations(id) ON DELETE CASCADE
					);

					CREATE TABLE _messages (
						conversation_id BLOB NOT NULL,
						sender_id BLOB NOT NULL,
						seq INTEGER NOT NULL,
						payload BLOB NOT NULL,
						arrival_ms INTEGER NOT NULL,
						status INTEGER NOT NULL,
						PRIMARY KEY (conversation_id, sender_id, seq),
						FOREIGN KEY(conversation_id) REFERENCES _conversations(id) ON DELETE CASCADE
					) WITHOUT ROWID;

					CREATE TABLE _cursors (
						conversation_id BLOB NOT NULL,
						sender_id BLOB NOT NULL,
						next_to_assign INTEGER NOT NULL,
						highest INTEGER NOT NULL,
						head INTEGER NOT NULL,
						sparse BLOB NOT NULL,
						end_seq INTEGER NOT NULL DEFAULT 0,
						PRIMARY KEY (conversation_id, sender_id),
						FOREIGN KEY(conversation_id) REFERENCES _conversations(id) ON DELETE CASCADE
					);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}
	return &Store{db: d, clock: cl}, nil
}

func (s *Store) SaveConversation(c *Conversation) error {
	return s.db.Run("save conversation", func() error {
		return s.saveConversation(c)
	})
}

func (s *Store) saveConversation(c *Conversation) error {
	row := &conversation{ID: c.ID[:], KeyID: c.KeyID, CreatedMs: c.CreatedMs}
	if _, err := s.db.Tx.NamedExec(`INSERT INTO _conversations (id, key_id, ctime_ms) VALUES (:id, :key_id, :ctime_ms)
		ON CONFLICT(id) DO UPDATE SET key_id = excluded.key_id`, row); err != nil {
		return fmt.Errorf("store: error upserting conversation: %w", err)
	}
	if _, err := s.db.Tx.Exec("DELETE FROM _members WHERE conversation_id = $1", c.ID[:]); err != nil {
		return fmt.Errorf("store: error clearing members: %w", err)
	}
	for i, m := range c.Members {
		mr := &member{
			ConversationID: c.ID[:],
			MemberID:       m.ID[:],
			Position:       i,
			VerifyKey:      m.VerifyKey,
			StreamStart:    m.StreamStart,
		}
		if mr.VerifyKey == nil {
			mr.VerifyKey = []byte{}
		}
		if _, err := s.db.Tx.NamedExec(`INSERT INTO _members (conversation_id, member_id, position, verify_key, stream_start)
			VALUES (:conversation_id, :member_id, :position, :verify_key, :stream_start)`, mr); err != nil {
			return fmt.Errorf("store: error inserting member: %w", err)
		}
	}
	return nil
}

func (s *Store) Conversations() ([]*Conversation, error) {
	var out []*Conversation
	err := s.db.RunReadOnly("load conversations", func() error {
		var rows []*conversation
		if err := s.db.Tx.Select(&rows, "SELECT * FROM _conversations ORDER BY ctime_ms, id"); err != nil {
			return fmt.Errorf("store: error getting conversations: %w", err)
		}
		for _, r := range rows {
			var members []*member
			if err := s.db.Tx.Select(&members, "SELECT * FROM _members WHERE conversation_id = $1 ORDER BY position", r.ID); err != nil {
				return fmt.Errorf("store: error getting members: %w", err)
			}
			c := &Conversation{ID: ids.IDFromBytes(r.ID), KeyID: r.KeyID, CreatedMs: r.CreatedMs}
			for _, m := range members {
				c.Members = append(c.Members, Member{ID: ids.IDFromBytes(m.MemberID), VerifyKey: m.VerifyKey, StreamStart: m.StreamStart})
			}
			out = append(out, c)
		}
		return nil
	})
	return out, err
}

// DeleteConversation removes the conversation along with its members, messages and cursors.
func (s *Store) DeleteConversation(id ids.ID) error {
	return s.db.Run("delete conversation", func() error {
		if _, err := s.db.Tx.Exec("DELETE FROM _conversations WHERE id = $1", id[:]); err != nil {
			return fmt.Errorf("store: error deleting conversation: %w", err)
		}
		return nil
	})
}

// InsertIfAbsent persists m unless a complete message already holds its dedupe key. It reports whether m was
// written.
func (s *Store) InsertIfAbsent(m *Message) (bool, error) {
	var inserted bool
	err := s.db.Run("insert message", func() error {
		var err error
		inserted, err = s.insertIfAbsent(m)
		return err
	})
	return inserted, err
}

func (s *Store) insertIfAbsent(m *Message) (bool, error) {
	arrival := m.ArrivalMs
	if arrival == 0 {
		arrival = s.clock.CurrentTimeMs()
	}
	row := &message{
		ConversationID: m.ConversationID[:],
		SenderID:       m.SenderID[:],
		Seq:            m.Seq,
		Payload:        m.Payload,
		ArrivalMs:      arrival,
		Status:         uint8(m.Status),
	}
	res, err := s.db.Tx.NamedExec(`INSERT INTO _messages (conversation_id, sender_id, seq, payload, arrival_ms, status)
		VALUES (:conversation_id, :sender_id, :seq, :payload, :arrival_ms, :status)
		ON CONFLICT(conversation_id, sender_id, seq) DO UPDATE SET
			payload = excluded.payload, arrival_ms = excluded.arrival_ms, status = excluded.status
		WHERE _messages.status != 1`, row)
	if err != nil {
		return false, fmt.Errorf("store: error inserting message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: error counting inserted rows: %w", err)
	}
	return n == 1, nil
}

func (s *Store) Message(conversationID, senderID ids.ID, seq uint64) (MessageResult, error) {
	var result MessageResult
	err := s.db.RunReadOnly("get message", func() error {
		var m message
		if err := s.db.Tx.Get(&m, "SELECT * FROM _messages WHERE conversation_id = $1 AND sender_id = $2 AND seq = $3", conversationID[:], senderID[:], seq); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				result = MessageResult{Status: NotFound}
				return nil
			}
			return fmt.Errorf("store: error getting message: %w", err)
		}
		result = MessageResult{Status: Found, Message: m.toMessage()}
		if result.Message.Status != MessageComplete {
			result.Status = Invalid
		}
		return nil
	})
	return result, err
}

// MessagesInRange returns the complete messages of a sender with sequence in [from, to], ascending.
func (s *Store) MessagesInRange(conversationID, senderID ids.ID, from, to uint64) ([]*Message, error) {
	var out []*Message
	err := s.db.RunReadOnly("get message range", func() error {
		var rows []*message
		if err := s.db.Tx.Select(&rows, `SELECT * FROM _messages
			WHERE conversation_id = $1 AND sender_id = $2 AND seq >= $3 AND seq <= $4 AND status = 1
			ORDER BY seq`, conversationID[:], senderID[:], from, to); err != nil {
			return fmt.Errorf("store: error getting messages: %w", err)
		}
		out = make([]*Message, len(rows))
		for i, r := range rows {
			out[i] = r.toMessage()
		}
		return nil
	})
	return out, err
}

func (s *Store) LoadCursor(conversationID, senderID ids.ID) (CursorResult, error) {
	var result CursorResult
	err := s.db.RunReadOnly("load cursor", func() error {
		var c cursor
		if err := s.db.Tx.Get(&c, "SELECT * FROM _cursors WHERE conversation_id = $1 AND sender_id = $2", conversationID[:], senderID[:]); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				result = CursorResult{Status: NotFound, Cursor: NewCursor(conversationID, senderID)}
				return nil
			}
			return fmt.Errorf("store: error loading cursor: %w", err)
		}
		result = CursorResult{Status: Found, Cursor: c.toCursor()}
		if c.NextToAssign == 0 || c.Head < c.Highest {
			result.Status = Invalid
		}
		return nil
	})
	return result, err
}

func (s *Store) Cursors(conversationID ids.ID) ([]*Cursor, error) {
	var out []*Cursor
	err := s.db.RunReadOnly("load cursors", func() error {
		var rows []*cursor
		if err := s.db.Tx.Select(&rows, "SELECT * FROM _cursors WHERE conversation_id = $1", conversationID[:]); err != nil {
			return fmt.Errorf("store: error loading cursors: %w", err)
		}
		for _, r := range rows {
			out = append(out, r.toCursor())
		}
		return nil
	})
	return out, err
}

func (s *Store) SaveCursor(c *Cursor) error {
	return s.db.Run("save cursor", func() error {
		return s.saveCursor(c)
	})
}

func (s *Store) saveCursor(c *Cursor) error {
	row := &cursor{
		ConversationID: c.ConversationID[:],
		SenderID:       c.SenderID[:],
		NextToAssign:   c.NextToAssign,
		Highest:        c.Highest,
		Head:           c.Head,
		Sparse:         c.Sparse,
		End:            c.End,
	}
	if row.Sparse == nil {
		row.Sparse = []byte{}
	}
	if _, err := s.db.Tx.NamedExec(`INSERT INTO _cursors (conversation_id, sender_id, next_to_assign, highest, head, sparse, end_seq)
		VALUES (:conversation_id, :sender_id, :next_to_assign, :highest, :head, :sparse, :end_seq)
		ON CONFLICT(conversation_id, sender_id) DO UPDATE SET
			next_to_assign = excluded.next_to_assign, highest = excluded.highest, head = excluded.head, sparse = excluded.sparse,
			end_seq = excluded.end_seq`, row); err != nil {
		return fmt.Errorf("store: error saving cursor: %w", err)
	}
	return nil
}

// Deliver stores m and the updated cursor in one transaction. It reports whether m was written.
func (s *Store) Deliver(m *Message, c *Cursor) (bool, error) {
	var inserted bool
	err := s.db.Run("deliver message", func() error {
		var err error
		if inserted, err = s.insertIfAbsent(m); err != nil {
			return err
		}
		return s.saveCursor(c)
	})
	return inserted, err
}

func NewCursor(conversationID, senderID ids.ID) *Cursor {
	return &Cursor{
		ConversationID: conversationID,
		SenderID:       senderID,
		NextToAssign:   1,
	}
}

func (c *cursor) toCursor() *Cursor {
	return &Cursor{
		ConversationID: ids.IDFromBytes(c.ConversationID),
		SenderID:       ids.IDFromBytes(c.SenderID),
		NextToAssign:   c.NextToAssign,
		Highest:        c.Highest,
		Head:           c.Head,
		Sparse:         c.Sparse,
		End:            c.End,
	}
}
