package repositories

import (
	"chat-sync/domain"
	"chat-sync/errors"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const createUsersTable = `CREATE TABLE IF NOT EXISTS users (
	id           TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	avatar_ref   TEXT NOT NULL DEFAULT '',
	online       BOOLEAN NOT NULL DEFAULT FALSE,
	last_seen    TIMESTAMPTZ,
	last_changed TIMESTAMPTZ
)`

const upsertUser = `INSERT INTO users (id, display_name, avatar_ref) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name, avatar_ref = EXCLUDED.avatar_ref`

const selectUsers = `SELECT id, display_name, avatar_ref, online, last_seen, last_changed FROM users`

// applyPresence only overwrites a row whose last_changed is older, so the
// database enforces the same guard as the badger store.
const applyPresence = `INSERT INTO users (id, online, last_seen, last_changed) VALUES ($1, $2, $3, $3)
ON CONFLICT (id) DO UPDATE SET online = EXCLUDED.online, last_seen = EXCLUDED.last_seen, last_changed = EXCLUDED.last_changed
WHERE users.last_changed IS NULL OR users.last_changed < EXCLUDED.last_changed`

// PgUserRepository keeps users in Postgres when the identity subsystem
// already owns a users table there.
type PgUserRepository struct {
	db  *sql.DB
	log *slog.Logger
}

func NewPgUserRepository(db *sql.DB, log *slog.Logger) *PgUserRepository {
	return &PgUserRepository{db: db, log: log}
}

// OpenPostgres opens a pgx backed pool and checks it answers.
func OpenPostgres(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Transient(fmt.Errorf("ping postgres: %w", err))
	}
	return db, nil
}

func (p *PgUserRepository) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, createUsersTable); err != nil {
		return fmt.Errorf("create users table: %w", err)
	}
	return nil
}

func (p *PgUserRepository) Upsert(ctx context.Context, user domain.User) error {
	if _, err := p.db.ExecContext(ctx, upsertUser, string(user.ID), user.DisplayName, user.AvatarRef); err != nil {
		return errors.Transient(fmt.Errorf("upsert user %s: %w", user.ID, err))
	}
	return nil
}

func (p *PgUserRepository) Get(ctx context.Context, id domain.UserID) (domain.User, error) {
	row := p.db.QueryRowContext(ctx, selectUsers+` WHERE id = $1`, string(id))
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, fmt.Errorf("%w: %s", errors.ErrUserNotFound, id)
	}
	if err != nil {
		return domain.User{}, errors.Transient(fmt.Errorf("select user %s: %w", id, err))
	}
	return user, nil
}

func (p *PgUserRepository) GetMany(ctx context.Context, ids []domain.UserID) (map[domain.UserID]domain.User, error) {
	users := make(map[domain.UserID]domain.User, len(ids))
	if len(ids) == 0 {
		return users, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = string(id)
	}
	query := selectUsers + ` WHERE id IN (` + strings.Join(placeholders, ", ") + `)`
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Transient(fmt.Errorf("select users: %w", err))
	}
	defer rows.Close()
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users[user.ID] = user
	}
	return users, rows.Err()
}

func (p *PgUserRepository) ApplyPresence(ctx context.Context, presence domain.Presence) (bool, error) {
	at := presence.LastChanged.UTC()
	res, err := p.db.ExecContext(ctx, applyPresence, string(presence.UserID), presence.Online, at)
	if err != nil {
		return false, errors.Transient(fmt.Errorf("apply presence %s: %w", presence.UserID, err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		p.log.Debug("Stale presence dropped", "user_id", presence.UserID, "last_changed", at)
	}
	return affected > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (domain.User, error) {
	var (
		user                  domain.User
		id                    string
		lastSeen, lastChanged sql.NullTime
	)
	if err := row.Scan(&id, &user.DisplayName, &user.AvatarRef, &user.Online, &lastSeen, &lastChanged); err != nil {
		return domain.User{}, err
	}
	user.ID = domain.UserID(id)
	if lastSeen.Valid {
		user.LastSeen = lastSeen.Time.UTC()
	}
	if lastChanged.Valid {
		user.LastChanged = lastChanged.Time.UTC()
	}
	return user, nil
}
