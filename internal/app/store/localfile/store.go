// Package localfile implements store.Backend over one JSON file per project
// in a directory, grounded on rtconfig/backend.py's JsonFileBackend. It has
// no cross-process transport: Publish only reaches Subscribers within this
// process, which is the correct behaviour for a single-node deployment and
// is documented as such rather than faked.
package localfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/coreflux/rtcfgd/internal/app/domain/authuser"
	"github.com/coreflux/rtcfgd/internal/app/domain/project"
	"github.com/coreflux/rtcfgd/internal/app/store"
	"github.com/coreflux/rtcfgd/pkg/logger"
)

const extension = ".json"

// Store is a directory of one JSON document per project, plus a single
// user.data file for admin credentials.
type Store struct {
	dir  string
	log  *logger.Logger
	mu   sync.Mutex
	subs []store.Handler
}

// New creates (if necessary) directory and returns a ready Store.
func New(directory string, log *logger.Logger) (*Store, error) {
	abs, err := filepath.Abs(directory)
	if err != nil {
		return nil, fmt.Errorf("localfile: resolve directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("localfile: create directory: %w", err)
	}
	return &Store{dir: abs, log: log}, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+extension)
}

func (s *Store) Read(_ context.Context, name string, requireExists bool) (*project.Document, error) {
	raw, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			if requireExists {
				return nil, project.NotFound(name)
			}
			return project.New(), nil
		}
		return nil, fmt.Errorf("localfile: read %s: %w", name, err)
	}
	doc := &project.Document{}
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, fmt.Errorf("localfile: decode %s: %w", name, err)
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
		return fmt.Errorf("localfile: encode %s: %w", name, err)
	}
	if err := os.WriteFile(s.path(name), raw, 0o644); err != nil {
		return fmt.Errorf("localfile: write %s: %w", name, err)
	}
	return s.Publish(ctx, store.ConfigChanged(name))
}

func (s *Store) Delete(ctx context.Context, name string) error {
	if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("localfile: delete %s: %w", name, err)
	}
	return s.Publish(ctx, store.ConfigChanged(name))
}

func (s *Store) Iter(ctx context.Context) ([]store.Item, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("localfile: list directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != extension {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), extension))
	}
	sort.Strings(names)

	items := make([]store.Item, 0, len(names))
	for _, name := range names {
		doc, err := s.Read(ctx, name, false)
		if err != nil {
			return nil, err
		}
		items = append(items, store.Item{Name: name, Document: doc})
	}
	return items, nil
}

func (s *Store) Publish(ctx context.Context, event store.Event) error {
	s.mu.Lock()
	handlers := append([]store.Handler(nil), s.subs...)
	s.mu.Unlock()
	for _, h := range handlers {
		if h != nil {
			h(ctx, event)
		}
	}
	return nil
}

func (s *Store) Subscribe(handler store.Handler) func() {
	s.mu.Lock()
	s.subs = append(s.subs, handler)
	idx := len(s.subs) - 1
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if idx < len(s.subs) {
			s.subs[idx] = nil
		}
	}
}

func (s *Store) Users() store.UserStore { return (*userStore)(s) }

func (s *Store) Close(context.Context) error { return nil }

type userStore Store

func (u *userStore) userFile() string { return filepath.Join(u.dir, "user.data") }

func (u *userStore) load() (map[string]authuser.User, error) {
	raw, err := os.ReadFile(u.userFile())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]authuser.User{}, nil
		}
		return nil, fmt.Errorf("localfile: read user store: %w", err)
	}
	users := map[string]authuser.User{}
	if err := json.Unmarshal(raw, &users); err != nil {
		return nil, fmt.Errorf("localfile: decode user store: %w", err)
	}
	return users, nil
}

func (u *userStore) save(users map[string]authuser.User) error {
	raw, err := json.Marshal(users)
	if err != nil {
		return fmt.Errorf("localfile: encode user store: %w", err)
	}
	if err := os.WriteFile(u.userFile(), raw, 0o600); err != nil {
		return fmt.Errorf("localfile: write user store: %w", err)
	}
	return nil
}

func (u *userStore) Get(_ context.Context, username string) (authuser.User, bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	users, err := u.load()
	if err != nil {
		return authuser.User{}, false, err
	}
	user, ok := users[username]
	return user, ok, nil
}

func (u *userStore) GetByToken(_ context.Context, token string) (authuser.User, bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	users, err := u.load()
	if err != nil {
		return authuser.User{}, false, err
	}
	for _, user := range users {
		if user.Token == token {
			return user, true, nil
		}
	}
	return authuser.User{}, false, nil
}

func (u *userStore) Put(_ context.Context, user authuser.User) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	users, err := u.load()
	if err != nil {
		return err
	}
	users[user.Username] = user
	return u.save(users)
}
