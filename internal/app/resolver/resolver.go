// Package resolver implements the pure, deterministic composition of a
// project's effective configuration from parent inheritance, environment
// overlays, and client-context variable interpolation (SPEC_FULL.md §4.C).
package resolver

import (
	"context"

	"github.com/coreflux/rtcfgd/internal/app/domain/project"
)

// Reader is the subset of the storage backend the resolver needs: fetching a
// project document by name.
type Reader interface {
	Read(ctx context.Context, name string) (*project.Document, error)
}

// ClientContext carries the caller's pull-frame context: its own environ bag
// plus arbitrary top-level extras, per SPEC_FULL.md §4.C step 6.
type ClientContext struct {
	Environ map[string]string
	Extra   map[string]string
}

// Result is the outcome of one resolution: the effective map ready for the
// wire, and its content hash.
type Result struct {
	Data map[string]any
	Hash string
}

// Resolve composes the effective configuration for (name, env) under the
// provided client context. It fails with project.NotFound, project.EnvError,
// or project.Cycle; all other returned errors are reader I/O failures.
func Resolve(ctx context.Context, r Reader, name, env string, client *ClientContext) (Result, error) {
	envData, envVars, err := resolve(ctx, r, name, env, map[string]struct{}{})
	if err != nil {
		return Result{}, err
	}

	if client != nil {
		merged := make(map[string]string, len(client.Environ)+len(client.Extra))
		for k, v := range client.Environ {
			merged[k] = v
		}
		for k, v := range client.Extra {
			merged[k] = v
		}
		for name, override := range merged {
			if _, ok := envVars[name]; ok {
				envVars[name] = override
			}
		}
	}

	data := interpolate(anyMap(envData), envVars).(map[string]any)
	return Result{Data: data, Hash: Hash(data)}, nil
}

// resolve implements steps 1-6 of SPEC_FULL.md §4.C, returning the
// not-yet-interpolated value map and the accumulated variable bag. seen
// guards against cyclic parent graphs (project.Cycle), replacing the
// source's unguarded recursion per the §9 redesign guidance.
func resolve(ctx context.Context, r Reader, name, env string, seen map[string]struct{}) (map[string]any, map[string]string, error) {
	if _, ok := seen[name]; ok {
		return nil, nil, project.Cycle(name)
	}
	seen[name] = struct{}{}
	defer delete(seen, name)

	doc, err := r.Read(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	if doc == nil {
		return nil, nil, project.NotFound(name)
	}
	if !doc.HasEnv(env) {
		return nil, nil, project.EnvError(name, env)
	}

	envData := map[string]any{}
	envVars := map[string]string{}

	for _, parentName := range doc.Parent {
		parentData, parentVars, err := resolve(ctx, r, parentName, env, seen)
		if err != nil {
			return nil, nil, err
		}
		for k, v := range parentData {
			envData[k] = v
		}
		for k, v := range parentVars {
			envVars[k] = v
		}
	}

	mergeEntrySet(envData, doc.Default)
	if set, ok := doc.Env(env); ok {
		mergeEntrySet(envData, set)
	}
	mergeEntryVars(envVars, doc.Environ)

	return envData, envVars, nil
}

func mergeEntrySet(dst map[string]any, set project.EntrySet) {
	for _, entry := range set {
		dst[entry.Key] = entry.Value
	}
}

func mergeEntryVars(dst map[string]string, set project.EntrySet) {
	for _, entry := range set {
		if s, ok := entry.Value.(string); ok {
			dst[entry.Key] = s
		}
	}
}

func anyMap(m map[string]any) any { return m }
