// Package store defines the storage backend contract shared by the four
// concrete backends (local file, Redis, MongoDB, Postgres) per
// SPEC_FULL.md §4.A/§11. Every backend doubles as the transport for the
// Notification Bus: a Publish call on one process's backend instance must
// surface as a Subscribe callback on every other process sharing the same
// backend configuration.
package store

import (
	"context"

	"github.com/coreflux/rtcfgd/internal/app/domain/authuser"
	"github.com/coreflux/rtcfgd/internal/app/domain/project"
)

// Event is the payload a backend fans out over its Bus transport. Func
// mirrors rtconfig/message.py's NotifyMessage: a method name plus arguments,
// dispatched by the receiving process against its own Push Engine.
type Event struct {
	Func   string         `json:"func"`
	Args   []any          `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

// ConfigChanged builds the event published after any admin write that
// changes a project's stored document.
func ConfigChanged(projectName string) Event {
	return Event{Func: "config_changed", Args: []any{projectName}}
}

// ConnectionAdded builds the event published when a session is attached or
// updated on this process, so peer processes can mirror its summary into a
// read-only observation table (SPEC_FULL.md §4.B/§4.D).
func ConnectionAdded(sessionKey string, summary map[string]any) Event {
	return Event{Func: "callback_add_connection", Args: []any{sessionKey, summary}}
}

// ConnectionRemoved builds the event published when a session detaches from
// this process, so peers can drop its mirrored entry.
func ConnectionRemoved(sessionKey string) Event {
	return Event{Func: "callback_remove_connection", Args: []any{sessionKey}}
}

// Handler receives bus events published by any process, including this one.
type Handler func(ctx context.Context, event Event)

// Item is one (name, document) pair yielded by Iter.
type Item struct {
	Name     string
	Document *project.Document
}

// Backend is the uniform storage contract every admin operation and the
// resolver's Reader are built against. Implementations additionally serve
// as the Notification Bus transport (Publish/Subscribe).
type Backend interface {
	// Read fetches a project document. It returns project.NotFound when
	// requireExists is true and no document is stored under name; when
	// requireExists is false and the document is absent, Read returns a
	// fresh zero-value document instead of an error (matching
	// ConfigProject.__new__'s create-on-read-if-absent instancing).
	Read(ctx context.Context, name string, requireExists bool) (*project.Document, error)

	// Write stores doc under name, replacing or merging with any existing
	// document depending on merge, then publishes ConfigChanged(name).
	Write(ctx context.Context, name string, doc *project.Document, merge bool) error

	// Delete removes the stored document for name. Deleting an absent
	// project is a no-op, matching the admin API's idempotent DELETE.
	Delete(ctx context.Context, name string) error

	// Iter yields every stored project, for the listing endpoint and for
	// the push engine's one-level dependency scan.
	Iter(ctx context.Context) ([]Item, error)

	// Publish fans out event to every Subscribe-d handler across every
	// process sharing this backend's configuration, including this
	// process's own subscribers.
	Publish(ctx context.Context, event Event) error

	// Subscribe registers handler for every event Publish-ed on this
	// backend. It returns an unsubscribe func.
	Subscribe(handler Handler) (unsubscribe func())

	// Users returns the admin-credential store backing CLI update_user
	// and subscribe-time token lookup (rt_auth_data per SPEC_FULL.md §4.D).
	Users() UserStore

	// Close releases any underlying connection or listener resources.
	Close(ctx context.Context) error
}

// UserStore is the admin-credential persistence surface, grounded on
// rtconfig/auth.py's AuthManager.get_all/save_all pair.
type UserStore interface {
	Get(ctx context.Context, username string) (authuser.User, bool, error)
	GetByToken(ctx context.Context, token string) (authuser.User, bool, error)
	Put(ctx context.Context, user authuser.User) error
}
