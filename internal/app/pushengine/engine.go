// Package pushengine drives the two events a subscriber session can
// receive: a notify-mode answer to its own pull frame, and a reply-mode push
// when the backend reports the project (or one of its direct parents)
// changed. Grounded on rtconfig/mixin.py's
// CallbackHandleMixin.callback_config_changed and
// rtconfig/manager.py's iter_dependency_config (SPEC_FULL.md §4.E/§9).
package pushengine

import (
	"context"

	"github.com/coreflux/rtcfgd/internal/app/domain/project"
	"github.com/coreflux/rtcfgd/internal/app/registry"
	"github.com/coreflux/rtcfgd/internal/app/resolver"
	"github.com/coreflux/rtcfgd/internal/app/store"
	"github.com/coreflux/rtcfgd/internal/app/wire"
	"github.com/coreflux/rtcfgd/pkg/logger"
)

// Store is the subset of store.Backend the push engine needs: resolving a
// document by name, and iterating every stored project to find dependents.
type Store interface {
	resolver.Reader
	Iter(ctx context.Context) ([]store.Item, error)
}

// BackendReader adapts a store.Backend's three-argument Read to the
// resolver.Reader/pushengine.Store shape, always requiring existence: a
// missing parent or subscribed project is a domain error, not a
// create-on-read default.
type BackendReader struct{ Backend store.Backend }

func (b BackendReader) Read(ctx context.Context, name string) (*project.Document, error) {
	return b.Backend.Read(ctx, name, true)
}

func (b BackendReader) Iter(ctx context.Context) ([]store.Item, error) {
	return b.Backend.Iter(ctx)
}

// Engine re-resolves and pushes frames to subscribers when their project (or
// a project that inherits from it) changes.
type Engine struct {
	store    Store
	registry *registry.Registry
	log      *logger.Logger
}

// New wires an Engine over store and registry.
func New(store Store, reg *registry.Registry, log *logger.Logger) *Engine {
	return &Engine{store: store, registry: reg, log: log}
}

// OnPull resolves configName/env under the session's client context and
// replies with either a no-change or changed frame, per
// ConfigProject.config_message.
func (e *Engine) OnPull(ctx context.Context, session registry.Session, client *resolver.ClientContext) (wire.PushFrame, error) {
	res, err := resolver.Resolve(ctx, e.store, session.ConfigName, session.Env, client)
	if err != nil {
		return wire.PushFrame{}, err
	}
	if res.Hash == session.HashCode {
		return wire.NoChange(session.ConfigName, session.Env, res.Hash), nil
	}
	return wire.Changed(session.ConfigName, session.Env, res.Hash, res.Data, wire.ResponseModeNotify), nil
}

// OnConfigChanged is invoked when the backend reports configName's stored
// document changed. It pushes updated frames to configName's own
// subscribers, then performs the one-level transitive scan for projects
// that declare configName as a parent and pushes to their subscribers too.
// A project two levels removed self-heals on its own next resolution
// (SPEC_FULL.md §9): this engine never recurses past one level.
func (e *Engine) OnConfigChanged(ctx context.Context, configName string) {
	e.pushTo(ctx, configName)

	dependents, err := e.dependentsOf(ctx, configName)
	if err != nil {
		if e.log != nil {
			e.log.WithError(err).Warn("pushengine: dependency scan failed")
		}
		return
	}
	for _, dependent := range dependents {
		e.pushTo(ctx, dependent)
	}
}

func (e *Engine) pushTo(ctx context.Context, configName string) {
	for _, ss := range e.registry.SessionsFor(configName) {
		res, err := resolver.Resolve(ctx, e.store, ss.Session.ConfigName, ss.Session.Env, nil)
		if err != nil {
			if pe, ok := project.As(err); ok && pe.Code == project.CodeProjectNotFound {
				continue
			}
			if e.log != nil {
				e.log.WithError(err).Warn("pushengine: resolve failed during push")
			}
			continue
		}
		if res.Hash == ss.Session.HashCode {
			continue
		}
		frame := wire.Changed(ss.Session.ConfigName, ss.Session.Env, res.Hash, res.Data, wire.ResponseModeReply)
		if err := ss.Send(ctx, frame); err != nil {
			if e.log != nil {
				e.log.WithError(err).Warn("pushengine: send failed, session continues without retry")
			}
			continue
		}
		e.registry.Touch(ss.Session.Key, res.Hash)
	}
}

// dependentsOf scans every stored project for one whose Parent list contains
// name, matching iter_dependency_config's single pass over iter_backend.
func (e *Engine) dependentsOf(ctx context.Context, name string) ([]string, error) {
	items, err := e.store.Iter(ctx)
	if err != nil {
		return nil, err
	}
	var dependents []string
	for _, item := range items {
		for _, parent := range item.Document.Parent {
			if parent == name {
				dependents = append(dependents, item.Name)
				break
			}
		}
	}
	return dependents, nil
}
