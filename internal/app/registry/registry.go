// Package registry tracks connected subscribers: which sessions are attached
// to which project, and enough per-session metadata to answer the admin
// /rtc/api/client endpoint. It replaces rtconfig/manager.py's
// CallbackSet/LinkDict "_connection_pool"/"_connection_message" pair
// (SPEC_FULL.md §4.E) with two explicit tables behind a single mutex,
// per the §9 redesign guidance against callback-chain state.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coreflux/rtcfgd/internal/app/domain/project"
	"github.com/coreflux/rtcfgd/internal/app/store"
	"github.com/coreflux/rtcfgd/internal/app/wire"
)

// Session is one attached subscriber: a client holding a live connection,
// pulling one project/env pair. Remote is set on entries mirrored from a
// peer process via the Bus rather than attached locally.
type Session struct {
	Key        string
	ConfigName string
	Env        string
	HashCode   string
	ClientPID  string
	HostName   string
	RemoteAddr string
	Username   string
	Connected  time.Time
	LastSeen   time.Time
	Remote     bool
}

// Sender pushes a frame to one session's underlying connection.
type Sender func(ctx context.Context, frame wire.PushFrame) error

// Publisher fans out a connection-lifecycle event on the Notification Bus so
// peer processes can mirror it (SPEC_FULL.md §4.B/§4.D). It is typically a
// store.Backend's Publish method.
type Publisher func(ctx context.Context, event store.Event) error

// Registry is the admission-controlled connection table. pool maps a
// project name to the set of session keys attached to it; sessionInfo holds
// per-session metadata and its Sender. otherSessions mirrors the summary of
// every session attached to a peer process sharing the same backend, kept
// for observation only (never assigned a Sender). All three are guarded by
// mu, mirroring the source's single manager-wide lock.
type Registry struct {
	maxConnections int

	mu            sync.Mutex
	pool          map[string]map[string]struct{}
	sessionInfo   map[string]Session
	senders       map[string]Sender
	otherSessions map[string]Session
	publish       Publisher
}

// New creates an empty registry admitting at most maxConnections sessions.
func New(maxConnections int) *Registry {
	if maxConnections <= 0 {
		maxConnections = 1024
	}
	return &Registry{
		maxConnections: maxConnections,
		pool:           make(map[string]map[string]struct{}),
		sessionInfo:    make(map[string]Session),
		senders:        make(map[string]Sender),
		otherSessions:  make(map[string]Session),
	}
}

// SetPublisher wires the Bus publisher used to announce local Attach/Detach
// to peer processes. Called once during application wiring; nil is a valid
// value and simply disables mirroring announcements.
func (r *Registry) SetPublisher(pub Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publish = pub
}

// Attach admits a new session, rejecting it with project.ConnectError once
// the total connection count (local + mirrored) reaches maxConnections, per
// §4.D's admission policy.
func (r *Registry) Attach(session Session, send Sender) error {
	r.mu.Lock()

	if len(r.sessionInfo)+len(r.otherSessions) >= r.maxConnections {
		r.mu.Unlock()
		return project.ConnectError(fmt.Sprintf("Number of connection is already the maximum %d.", r.maxConnections))
	}

	session.Connected = time.Now()
	session.LastSeen = session.Connected

	if r.pool[session.ConfigName] == nil {
		r.pool[session.ConfigName] = make(map[string]struct{})
	}
	r.pool[session.ConfigName][session.Key] = struct{}{}
	r.sessionInfo[session.Key] = session
	r.senders[session.Key] = send
	publish := r.publish
	r.mu.Unlock()

	if publish != nil {
		_ = publish(context.Background(), store.ConnectionAdded(session.Key, sessionSummary(session)))
	}
	return nil
}

// Detach removes a session on disconnect.
func (r *Registry) Detach(key string) {
	r.mu.Lock()

	session, ok := r.sessionInfo[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessionInfo, key)
	delete(r.senders, key)
	if set := r.pool[session.ConfigName]; set != nil {
		delete(set, key)
		if len(set) == 0 {
			delete(r.pool, session.ConfigName)
		}
	}
	publish := r.publish
	r.mu.Unlock()

	if publish != nil {
		_ = publish(context.Background(), store.ConnectionRemoved(key))
	}
}

// MirrorAdd records or refreshes a peer process's session summary, arriving
// via callback_add_connection. A key already attached locally is ignored:
// the Bus fans events back to their own publisher, and a locally-owned
// session must never also count as mirrored.
func (r *Registry) MirrorAdd(key string, summary map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, local := r.sessionInfo[key]; local {
		return
	}
	r.otherSessions[key] = sessionFromSummary(key, summary)
}

// MirrorRemove drops a peer process's mirrored session on
// callback_remove_connection.
func (r *Registry) MirrorRemove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.otherSessions, key)
}

func sessionSummary(session Session) map[string]any {
	return map[string]any{
		"config_name": session.ConfigName,
		"env":         session.Env,
		"host_name":   session.HostName,
		"client_pid":  session.ClientPID,
		"remote_addr": session.RemoteAddr,
		"username":    session.Username,
	}
}

func sessionFromSummary(key string, summary map[string]any) Session {
	str := func(k string) string {
		v, _ := summary[k].(string)
		return v
	}
	return Session{
		Key:        key,
		ConfigName: str("config_name"),
		Env:        str("env"),
		HostName:   str("host_name"),
		ClientPID:  str("client_pid"),
		RemoteAddr: str("remote_addr"),
		Username:   str("username"),
		Remote:     true,
	}
}

// Touch updates a session's last-known hash and last-seen timestamp after a
// successful push, used to short-circuit future no-op notifications.
func (r *Registry) Touch(key, hashCode string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessionInfo[key]
	if !ok {
		return
	}
	session.HashCode = hashCode
	session.LastSeen = time.Now()
	r.sessionInfo[key] = session
}

// SessionsFor returns a snapshot of sessions attached to configName, each
// paired with its Sender, for the push engine's fan-out.
func (r *Registry) SessionsFor(configName string) []SessionSender {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := r.pool[configName]
	out := make([]SessionSender, 0, len(keys))
	for key := range keys {
		out = append(out, SessionSender{Session: r.sessionInfo[key], Send: r.senders[key]})
	}
	return out
}

// SessionSender pairs a session with the means to push a frame to it.
type SessionSender struct {
	Session Session
	Send    Sender
}

// List returns every attached session for configName (or every session if
// configName is empty): local sessions together with every mirrored
// other_sessions entry (§4.D), the combined list sorted by host name to match
// the source's itemgetter('host_name') ordering.
func (r *Registry) List(configName string) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Session, 0, len(r.sessionInfo)+len(r.otherSessions))
	for _, session := range r.sessionInfo {
		if configName != "" && session.ConfigName != configName {
			continue
		}
		out = append(out, session)
	}
	for _, session := range r.otherSessions {
		if configName != "" && session.ConfigName != configName {
			continue
		}
		out = append(out, session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HostName < out[j].HostName })
	return out
}

// MaxConnections reports the admission ceiling this registry enforces.
func (r *Registry) MaxConnections() int {
	return r.maxConnections
}

// Count returns the number of attached sessions (local + mirrored),
// optionally scoped to configName when non-empty.
func (r *Registry) Count(configName string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if configName == "" {
		return len(r.sessionInfo) + len(r.otherSessions)
	}
	n := len(r.pool[configName])
	for _, session := range r.otherSessions {
		if session.ConfigName == configName {
			n++
		}
	}
	return n
}
