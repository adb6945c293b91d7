package database

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDirectory(t *testing.T) (*PgDirectory, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return newPgDirectory(db), mock
}

func TestPgDirectory_DisplayName(t *testing.T) {
	tcases := []struct {
		name        string
		setup       func(m sqlmock.Sqlmock)
		expected    string
		expectedErr error
		expectErr   bool
	}{
		{
			name: "found",
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectQuery(regexp.QuoteMeta(displayNameQuery)).
					WithArgs("u1").
					WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("alice"))
			},
			expected: "alice",
		},
		{
			name: "missing user",
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectQuery(regexp.QuoteMeta(displayNameQuery)).
					WithArgs("u1").
					WillReturnRows(sqlmock.NewRows([]string{"name"}))
			},
			expectErr:   true,
			expectedErr: ErrNotFound,
		},
		{
			name: "connection error",
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectQuery(regexp.QuoteMeta(displayNameQuery)).
					WithArgs("u1").
					WillReturnError(errors.New("connection refused"))
			},
			expectErr: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			dir, mock := newTestDirectory(t)
			tc.setup(mock)

			name, err := dir.DisplayName(context.Background(), "u1")
			if tc.expectErr {
				assert.Error(t, err)
				if tc.expectedErr != nil {
					assert.ErrorIs(t, err, tc.expectedErr)
				} else {
					assert.NotErrorIs(t, err, ErrNotFound)
				}
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tc.expected, name)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPgDirectory_ChannelWorkspace(t *testing.T) {
	dir, mock := newTestDirectory(t)

	mock.ExpectQuery(regexp.QuoteMeta(channelWorkspaceQuery)).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"workspace_id"}).AddRow("w1"))
	mock.ExpectQuery(regexp.QuoteMeta(channelWorkspaceQuery)).
		WithArgs("c2").
		WillReturnRows(sqlmock.NewRows([]string{"workspace_id"}))

	ws, err := dir.ChannelWorkspace(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "w1", ws)

	_, err = dir.ChannelWorkspace(context.Background(), "c2")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgDirectory_Membership(t *testing.T) {
	dir, mock := newTestDirectory(t)

	mock.ExpectQuery(regexp.QuoteMeta(channelMemberQuery)).
		WithArgs("c1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(regexp.QuoteMeta(workspaceMemberQuery)).
		WithArgs("w1", "u2").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(regexp.QuoteMeta(channelMemberQuery)).
		WithArgs("c1", "u3").
		WillReturnError(errors.New("timeout"))

	ok, err := dir.IsChannelMember(context.Background(), "c1", "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = dir.IsWorkspaceMember(context.Background(), "w1", "u2")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = dir.IsChannelMember(context.Background(), "c1", "u3")
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
