// Package pgstore implements store.Backend on Postgres: table rt_config_data
// holds one row per project, and events are delivered live through
// NOTIFY/LISTEN on a configurable channel rather than a stored events table.
// This is the supplemental fourth backend added by the expansion (not
// present in rtconfig itself); it adapts the teacher's pkg/pgnotify bus,
// which already implements exactly this mechanism, to the new domain.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coreflux/rtcfgd/internal/app/domain/authuser"
	"github.com/coreflux/rtcfgd/internal/app/domain/project"
	"github.com/coreflux/rtcfgd/internal/app/store"
	"github.com/coreflux/rtcfgd/pkg/logger"
	"github.com/coreflux/rtcfgd/pkg/pgnotify"
	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS rt_config_data (
	config_name text PRIMARY KEY,
	data        jsonb NOT NULL,
	created     timestamptz NOT NULL DEFAULT now(),
	lut         timestamptz NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS rt_auth_data (
	username      text PRIMARY KEY,
	password_hash text NOT NULL,
	token         text NOT NULL,
	created       timestamptz NOT NULL DEFAULT now(),
	updated       timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS rt_auth_data_token_idx ON rt_auth_data (token);
`

// Store is a Postgres-backed store.Backend.
type Store struct {
	db      *sql.DB
	bus     *pgnotify.Bus
	channel string
	log     *logger.Logger
}

// New opens dsn, applies the schema, and starts the NOTIFY/LISTEN bus on channel.
func New(ctx context.Context, dsn, channel string, log *logger.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgstore: apply schema: %w", err)
	}

	bus, err := pgnotify.NewWithDB(db, dsn)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("pgstore: bus: %w", err)
	}

	return &Store{db: db, bus: bus, channel: channel, log: log}, nil
}

func (s *Store) Read(ctx context.Context, name string, requireExists bool) (*project.Document, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM rt_config_data WHERE config_name = $1`, name,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		if requireExists {
			return nil, project.NotFound(name)
		}
		return project.New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: select %s: %w", name, err)
	}
	doc := &project.Document{}
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, fmt.Errorf("pgstore: decode %s: %w", name, err)
	}
	return doc, nil
}

func (s *Store) Write(ctx context.Context, name string, doc *project.Document, merge bool) error {
	if merge {
		existing, err := s.Read(ctx, name, false)
		if err != nil {
			return err
		}
		doc = project.MergeDocuments(existing, doc)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("pgstore: encode %s: %w", name, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rt_config_data (config_name, data, created, lut)
		VALUES ($1, $2, now(), now())
		ON CONFLICT (config_name) DO UPDATE SET data = $2, lut = now()
	`, name, raw)
	if err != nil {
		return fmt.Errorf("pgstore: upsert %s: %w", name, err)
	}
	return s.Publish(ctx, store.ConfigChanged(name))
}

func (s *Store) Delete(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rt_config_data WHERE config_name = $1`, name); err != nil {
		return fmt.Errorf("pgstore: delete %s: %w", name, err)
	}
	return s.Publish(ctx, store.ConfigChanged(name))
}

func (s *Store) Iter(ctx context.Context) ([]store.Item, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT config_name, data FROM rt_config_data ORDER BY config_name`)
	if err != nil {
		return nil, fmt.Errorf("pgstore: select all: %w", err)
	}
	defer rows.Close()

	var items []store.Item
	for rows.Next() {
		var name string
		var raw []byte
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, fmt.Errorf("pgstore: scan row: %w", err)
		}
		doc := &project.Document{}
		if err := json.Unmarshal(raw, doc); err != nil {
			return nil, fmt.Errorf("pgstore: decode %s: %w", name, err)
		}
		items = append(items, store.Item{Name: name, Document: doc})
	}
	return items, rows.Err()
}

func (s *Store) Publish(ctx context.Context, event store.Event) error {
	if err := s.bus.Publish(ctx, s.channel, event); err != nil {
		return fmt.Errorf("pgstore: notify: %w", err)
	}
	return nil
}

func (s *Store) Subscribe(handler store.Handler) func() {
	adapted := func(ctx context.Context, ev pgnotify.Event) error {
		var event store.Event
		if err := json.Unmarshal(ev.Payload, &event); err != nil {
			if s.log != nil {
				s.log.WithError(err).Warn("pgstore: discarding malformed event")
			}
			return nil
		}
		handler(ctx, event)
		return nil
	}
	_ = s.bus.Subscribe(s.channel, adapted)
	return func() { _ = s.bus.Unsubscribe(s.channel) }
}

func (s *Store) Users() store.UserStore { return &userStore{db: s.db} }

func (s *Store) Close(context.Context) error {
	_ = s.bus.Close()
	return s.db.Close()
}

type userStore struct {
	db *sql.DB
}

func (u *userStore) Get(ctx context.Context, username string) (authuser.User, bool, error) {
	return u.scanOne(ctx, `SELECT username, password_hash, token, created, updated FROM rt_auth_data WHERE username = $1`, username)
}

func (u *userStore) GetByToken(ctx context.Context, token string) (authuser.User, bool, error) {
	return u.scanOne(ctx, `SELECT username, password_hash, token, created, updated FROM rt_auth_data WHERE token = $1`, token)
}

func (u *userStore) scanOne(ctx context.Context, query string, arg string) (authuser.User, bool, error) {
	var user authuser.User
	var created, updated time.Time
	err := u.db.QueryRowContext(ctx, query, arg).Scan(&user.Username, &user.PasswordHash, &user.Token, &created, &updated)
	if err == sql.ErrNoRows {
		return authuser.User{}, false, nil
	}
	if err != nil {
		return authuser.User{}, false, fmt.Errorf("pgstore: query user: %w", err)
	}
	user.Created, user.Updated = created, updated
	return user, true, nil
}

func (u *userStore) Put(ctx context.Context, user authuser.User) error {
	_, err := u.db.ExecContext(ctx, `
		INSERT INTO rt_auth_data (username, password_hash, token, created, updated)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (username) DO UPDATE SET password_hash = $2, token = $3, updated = $5
	`, user.Username, user.PasswordHash, user.Token, user.Created, user.Updated)
	if err != nil {
		return fmt.Errorf("pgstore: upsert user %s: %w", user.Username, err)
	}
	return nil
}
