// Package database reads the relational records owned by the workspace and
// account services: user display names, channel ownership and membership.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

var ErrNotFound = errors.New("record not found")

const (
	displayNameQuery      = "SELECT name FROM users WHERE user_id = $1"
	channelWorkspaceQuery = "SELECT workspace_id FROM channels WHERE channel_id = $1"
	channelMemberQuery    = "SELECT EXISTS (SELECT 1 FROM channel_members WHERE channel_id = $1 AND user_id = $2)"
	workspaceMemberQuery  = "SELECT EXISTS (SELECT 1 FROM workspace_members WHERE workspace_id = $1 AND user_id = $2)"
)

type PgDirectory struct {
	conn *sql.DB
}

func NewPgDirectory(dsn string) (*PgDirectory, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return &PgDirectory{conn: db}, nil
}

func newPgDirectory(db *sql.DB) *PgDirectory {
	return &PgDirectory{conn: db}
}

// DisplayName returns the user's current name, or ErrNotFound.
func (db *PgDirectory) DisplayName(ctx context.Context, userId string) (string, error) {
	var name string
	err := db.conn.QueryRowContext(ctx, displayNameQuery, userId).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("user %s: %w", userId, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get display name: %w", err)
	}

	return name, nil
}

func (db *PgDirectory) ChannelWorkspace(ctx context.Context, channelId string) (string, error) {
	var workspaceId sql.NullString
	err := db.conn.QueryRowContext(ctx, channelWorkspaceQuery, channelId).Scan(&workspaceId)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("channel %s: %w", channelId, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get channel workspace: %w", err)
	}

	return workspaceId.String, nil
}

func (db *PgDirectory) IsChannelMember(ctx context.Context, channelId, userId string) (bool, error) {
	return db.exists(ctx, channelMemberQuery, channelId, userId)
}

func (db *PgDirectory) IsWorkspaceMember(ctx context.Context, workspaceId, userId string) (bool, error) {
	return db.exists(ctx, workspaceMemberQuery, workspaceId, userId)
}

func (db *PgDirectory) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var ok bool
	if err := db.conn.QueryRowContext(ctx, query, args...).Scan(&ok); err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return ok, nil
}

func (db *PgDirectory) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *PgDirectory) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
