package msglog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"github.com/rs/zerolog"

	"github.com/npezzotti/go-teamchat/internal/types"
)

const (
	messageColumns = "channel_id, message_timestamp, message_id, user_id, user_name, message_text, file_id, edited, edited_at"

	insertMessageQuery = "INSERT INTO messages (channel_id, message_timestamp, message_id, user_id, user_name, message_text, file_id, edited) " +
		"VALUES (?, ?, ?, ?, ?, ?, ?, ?)"
	insertLookupQuery = "INSERT INTO messages_by_id (channel_id, message_id, message_timestamp) VALUES (?, ?, ?)"
	recentQuery       = "SELECT " + messageColumns + " FROM messages WHERE channel_id = ? LIMIT ?"
	recentBeforeQuery = "SELECT " + messageColumns + " FROM messages WHERE channel_id = ? AND message_timestamp < ? LIMIT ?"
	lookupQuery       = "SELECT message_timestamp FROM messages_by_id WHERE channel_id = ? AND message_id = ?"
	rowQuery          = "SELECT " + messageColumns + " FROM messages WHERE channel_id = ? AND message_timestamp = ? AND message_id = ?"
	updateQuery       = "UPDATE messages SET message_text = ?, edited = ?, edited_at = ? " +
		"WHERE channel_id = ? AND message_timestamp = ? AND message_id = ? IF EXISTS"
	deleteMessageQuery = "DELETE FROM messages WHERE channel_id = ? AND message_timestamp = ? AND message_id = ?"
	deleteLookupQuery  = "DELETE FROM messages_by_id WHERE channel_id = ? AND message_id = ?"
	pingQuery          = "SELECT release_version FROM system.local"
)

// ErrNotConnected is returned while no session to the cluster is open.
var ErrNotConnected = errors.New("cassandra not connected")

type CassandraConfig struct {
	Hosts      []string
	Keyspace   string
	Datacenter string
	Timeout    time.Duration
}

// CassandraStore persists messages in a wide-column table partitioned by
// channel and clustered newest first, so the head of a channel is a bounded
// scan from the start of its partition.
//
// The store starts without a session when the cluster is unreachable. Ping
// retries the connection; every other call fails with ErrNotConnected until
// it succeeds.
type CassandraStore struct {
	connect func(ctx context.Context) (*gocql.Session, error)
	log     zerolog.Logger

	// dialing is held across a reconnect; mu only guards session
	dialing sync.Mutex
	mu      sync.RWMutex
	session *gocql.Session
}

func newCluster(cfg CassandraConfig) *gocql.ClusterConfig {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Consistency = gocql.LocalOne
	cluster.Timeout = cfg.Timeout
	cluster.ConnectTimeout = 10 * time.Second
	cluster.PoolConfig.HostSelectionPolicy = gocql.TokenAwareHostPolicy(gocql.DCAwareRoundRobinPolicy(cfg.Datacenter))
	return cluster
}

// NewCassandraStore makes the first connection attempt. A failed attempt is
// logged and leaves the store disconnected rather than failing startup.
func NewCassandraStore(ctx context.Context, cfg CassandraConfig, logger zerolog.Logger) *CassandraStore {
	s := newCassandraStore(func(ctx context.Context) (*gocql.Session, error) {
		return openSession(ctx, cfg)
	}, logger)

	if _, err := s.ensureSession(ctx); err != nil {
		logger.Warn().Err(err).Strs("hosts", cfg.Hosts).Msg("cassandra unreachable, will retry")
	} else {
		logger.Info().Strs("hosts", cfg.Hosts).Str("keyspace", cfg.Keyspace).Msg("connected to cassandra")
	}

	return s
}

func newCassandraStore(connect func(ctx context.Context) (*gocql.Session, error), logger zerolog.Logger) *CassandraStore {
	return &CassandraStore{connect: connect, log: logger}
}

// openSession creates the keyspace and tables when missing, then opens a
// session bound to the keyspace.
func openSession(ctx context.Context, cfg CassandraConfig) (*gocql.Session, error) {
	cluster := newCluster(cfg)

	initSession, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("cassandra connect: %w", err)
	}

	if err := EnsureSchema(ctx, initSession, cfg.Keyspace); err != nil {
		initSession.Close()
		return nil, err
	}
	initSession.Close()

	cluster.Keyspace = cfg.Keyspace
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("cassandra connect keyspace %q: %w", cfg.Keyspace, err)
	}

	return session, nil
}

func (s *CassandraStore) current() (*gocql.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.session == nil {
		return nil, ErrNotConnected
	}
	return s.session, nil
}

func (s *CassandraStore) ensureSession(ctx context.Context) (*gocql.Session, error) {
	s.dialing.Lock()
	defer s.dialing.Unlock()

	if session, err := s.current(); err == nil {
		return session, nil
	}

	session, err := s.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotConnected, err)
	}

	s.mu.Lock()
	s.session = session
	s.mu.Unlock()

	return session, nil
}

func schemaStatements(keyspace string) []string {
	return []string{
		fmt.Sprintf("CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 1}", keyspace),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.messages (
			channel_id UUID,
			message_timestamp TIMESTAMP,
			message_id TEXT,
			user_id UUID,
			user_name TEXT,
			message_text TEXT,
			file_id UUID,
			edited BOOLEAN,
			edited_at TIMESTAMP,
			PRIMARY KEY (channel_id, message_timestamp, message_id)
		) WITH CLUSTERING ORDER BY (message_timestamp DESC, message_id DESC)`, keyspace),
		// resolves message id -> ordering key without scanning the partition
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.messages_by_id (
			channel_id UUID,
			message_id TEXT,
			message_timestamp TIMESTAMP,
			PRIMARY KEY ((channel_id, message_id))
		)`, keyspace),
	}
}

func EnsureSchema(ctx context.Context, session *gocql.Session, keyspace string) error {
	for _, stmt := range schemaStatements(keyspace) {
		if err := session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("cassandra schema: %w", err)
		}
	}
	return nil
}

func (s *CassandraStore) Append(ctx context.Context, msg types.Message) error {
	session, err := s.current()
	if err != nil {
		return err
	}

	b := session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	b.Query(insertMessageQuery,
		msg.ChannelId,
		msg.CreatedAt,
		msg.Id,
		msg.AuthorId,
		msg.AuthorName,
		msg.Text,
		nullUUID(msg.AttachmentId),
		msg.Edited,
	)
	b.Query(insertLookupQuery, msg.ChannelId, msg.Id, msg.CreatedAt)

	if err := session.ExecuteBatch(b); err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	return nil
}

func (s *CassandraStore) Recent(ctx context.Context, channelId string, before time.Time, limit int) ([]types.Message, error) {
	session, err := s.current()
	if err != nil {
		return nil, err
	}

	var q *gocql.Query
	if before.IsZero() {
		q = session.Query(recentQuery, channelId, limit)
	} else {
		q = session.Query(recentBeforeQuery, channelId, before, limit)
	}

	scanner := q.WithContext(ctx).Iter().Scanner()
	messages := make([]types.Message, 0, limit)
	for scanner.Next() {
		msg, err := scanMessage(scanner)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}

	return messages, nil
}

func (s *CassandraStore) Lookup(ctx context.Context, channelId, messageId string) (types.Message, error) {
	session, err := s.current()
	if err != nil {
		return types.Message{}, err
	}

	var createdAt time.Time
	err = session.Query(lookupQuery, channelId, messageId).WithContext(ctx).Scan(&createdAt)
	if errors.Is(err, gocql.ErrNotFound) {
		return types.Message{}, ErrNotFound
	}
	if err != nil {
		return types.Message{}, fmt.Errorf("lookup message: %w", err)
	}

	scanner := session.Query(rowQuery, channelId, createdAt, messageId).WithContext(ctx).Iter().Scanner()
	if !scanner.Next() {
		if err := scanner.Err(); err != nil {
			return types.Message{}, fmt.Errorf("read message: %w", err)
		}
		s.log.Warn().Str("channel_id", channelId).Str("message_id", messageId).Msg("lookup row without message row")
		return types.Message{}, ErrNotFound
	}

	msg, err := scanMessage(scanner)
	if err != nil {
		return types.Message{}, fmt.Errorf("scan message: %w", err)
	}
	// drain the iterator so its error, if any, is reported
	_ = scanner.Next()
	if err := scanner.Err(); err != nil {
		return types.Message{}, fmt.Errorf("read message: %w", err)
	}

	return msg, nil
}

func (s *CassandraStore) Update(ctx context.Context, msg types.Message) error {
	session, err := s.current()
	if err != nil {
		return err
	}

	var editedAt any
	if msg.EditedAt != nil {
		editedAt = *msg.EditedAt
	}

	applied, err := session.Query(updateQuery,
		msg.Text,
		msg.Edited,
		editedAt,
		msg.ChannelId,
		msg.CreatedAt,
		msg.Id,
	).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if !applied {
		return ErrNotFound
	}

	return nil
}

func (s *CassandraStore) Delete(ctx context.Context, msg types.Message) error {
	session, err := s.current()
	if err != nil {
		return err
	}

	b := session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	b.Query(deleteMessageQuery, msg.ChannelId, msg.CreatedAt, msg.Id)
	b.Query(deleteLookupQuery, msg.ChannelId, msg.Id)

	if err := session.ExecuteBatch(b); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}

	return nil
}

// Ping opens the session first if the store is disconnected.
func (s *CassandraStore) Ping(ctx context.Context) error {
	session, err := s.ensureSession(ctx)
	if err != nil {
		return err
	}

	var version string
	if err := session.Query(pingQuery).WithContext(ctx).Scan(&version); err != nil {
		return fmt.Errorf("cassandra ping: %w", err)
	}
	return nil
}

func (s *CassandraStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil {
		s.session.Close()
		s.session = nil
	}
}

func scanMessage(scanner gocql.Scanner) (types.Message, error) {
	var (
		msg      types.Message
		editedAt time.Time
	)

	err := scanner.Scan(
		&msg.ChannelId,
		&msg.CreatedAt,
		&msg.Id,
		&msg.AuthorId,
		&msg.AuthorName,
		&msg.Text,
		&msg.AttachmentId,
		&msg.Edited,
		&editedAt,
	)
	if err != nil {
		return types.Message{}, err
	}

	msg.CreatedAt = msg.CreatedAt.UTC()
	if !editedAt.IsZero() {
		t := editedAt.UTC()
		msg.EditedAt = &t
	}

	return msg, nil
}

func nullUUID(id string) any {
	if id == "" {
		return nil
	}
	return id
}
