package pushengine

import (
	"context"
	"testing"

	"github.com/coreflux/rtcfgd/internal/app/domain/project"
	"github.com/coreflux/rtcfgd/internal/app/registry"
	"github.com/coreflux/rtcfgd/internal/app/resolver"
	"github.com/coreflux/rtcfgd/internal/app/store"
	"github.com/coreflux/rtcfgd/internal/app/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore map[string]*project.Document

func (f fakeStore) Read(_ context.Context, name string) (*project.Document, error) {
	doc, ok := f[name]
	if !ok {
		return nil, project.NotFound(name)
	}
	return doc, nil
}

func (f fakeStore) Iter(_ context.Context) ([]store.Item, error) {
	items := make([]store.Item, 0, len(f))
	for name, doc := range f {
		items = append(items, store.Item{Name: name, Document: doc})
	}
	return items, nil
}

func TestOnPullNoChange(t *testing.T) {
	p := project.New()
	p.Default["a"] = project.Entry{Key: "a", Value: "1"}
	st := fakeStore{"demo": p}
	reg := registry.New(10)
	engine := New(st, reg, nil)

	res, err := resolver.Resolve(context.Background(), st, "demo", "default", nil)
	require.NoError(t, err)

	session := registry.Session{ConfigName: "demo", Env: "default", HashCode: res.Hash}
	frame, err := engine.OnPull(context.Background(), session, nil)
	require.NoError(t, err)
	assert.Equal(t, wire.TypeNoChange, frame.MessageType)
}

func TestOnPullChanged(t *testing.T) {
	p := project.New()
	p.Default["a"] = project.Entry{Key: "a", Value: "1"}
	st := fakeStore{"demo": p}
	reg := registry.New(10)
	engine := New(st, reg, nil)

	session := registry.Session{ConfigName: "demo", Env: "default", HashCode: "stale"}
	frame, err := engine.OnPull(context.Background(), session, nil)
	require.NoError(t, err)
	assert.Equal(t, wire.TypeChanged, frame.MessageType)
	assert.Equal(t, "1", frame.Data["a"])
}

func TestOnConfigChangedPushesToDirectDependent(t *testing.T) {
	base := project.New()
	base.Default["a"] = project.Entry{Key: "a", Value: "1"}

	child := project.New()
	child.Parent = []string{"base"}

	st := fakeStore{"base": base, "child": child}
	reg := registry.New(10)

	var pushed []wire.PushFrame
	require.NoError(t, reg.Attach(registry.Session{Key: "s1", ConfigName: "child", Env: "default", HashCode: "stale"},
		func(_ context.Context, frame wire.PushFrame) error {
			pushed = append(pushed, frame)
			return nil
		}))

	engine := New(st, reg, nil)
	engine.OnConfigChanged(context.Background(), "base")

	require.Len(t, pushed, 1)
	assert.Equal(t, "child", pushed[0].ConfigName)
	assert.Equal(t, "1", pushed[0].Data["a"])
}

func TestOnConfigChangedSkipsUpToDateSessions(t *testing.T) {
	p := project.New()
	st := fakeStore{"demo": p}
	reg := registry.New(10)

	res, err := resolver.Resolve(context.Background(), st, "demo", "default", nil)
	require.NoError(t, err)

	calls := 0
	require.NoError(t, reg.Attach(registry.Session{Key: "s1", ConfigName: "demo", Env: "default", HashCode: res.Hash},
		func(_ context.Context, _ wire.PushFrame) error {
			calls++
			return nil
		}))

	engine := New(st, reg, nil)
	engine.OnConfigChanged(context.Background(), "demo")
	assert.Equal(t, 0, calls)
}
