package resolver

import (
	"context"
	"testing"

	"github.com/coreflux/rtcfgd/internal/app/domain/project"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memReader map[string]*project.Document

func (m memReader) Read(_ context.Context, name string) (*project.Document, error) {
	doc, ok := m[name]
	if !ok {
		return nil, project.NotFound(name)
	}
	return doc, nil
}

func entry(key string, value any) project.Entry {
	return project.Entry{Key: key, Value: value}
}

func TestResolveSimple(t *testing.T) {
	p := project.New()
	p.Default["a"] = entry("a", "1")
	reader := memReader{"P": p}

	res, err := Resolve(context.Background(), reader, "P", "default", nil)
	require.NoError(t, err)
	assert.Equal(t, "1", res.Data["a"])
	assert.Len(t, res.Hash, 16)
}

func TestResolveHashDeterministic(t *testing.T) {
	p := project.New()
	p.Default["a"] = entry("a", "1")
	reader := memReader{"P": p}

	r1, err := Resolve(context.Background(), reader, "P", "default", nil)
	require.NoError(t, err)
	r2, err := Resolve(context.Background(), reader, "P", "default", nil)
	require.NoError(t, err)
	assert.Equal(t, r1.Hash, r2.Hash)
}

func TestResolveParentInheritanceAndInterpolation(t *testing.T) {
	p := project.New()
	p.Default["a"] = entry("a", "1")

	q := project.New()
	q.Parent = []string{"P"}
	q.Default["b"] = entry("b", "{X}")
	q.Environ["X"] = entry("X", "default-x")

	reader := memReader{"P": p, "Q": q}

	res, err := Resolve(context.Background(), reader, "Q", "default", &ClientContext{
		Environ: map[string]string{"X": "ctx-x"},
	})
	require.NoError(t, err)
	assert.Equal(t, "1", res.Data["a"])
	assert.Equal(t, "ctx-x", res.Data["b"])
}

func TestResolveMissingEnv(t *testing.T) {
	p := project.New()
	reader := memReader{"P": p}
	_, err := Resolve(context.Background(), reader, "P", "staging", nil)
	require.Error(t, err)
	pe, ok := project.As(err)
	require.True(t, ok)
	assert.Equal(t, project.CodeProjectEnvError, pe.Code)
}

func TestResolveMissingParent(t *testing.T) {
	q := project.New()
	q.Parent = []string{"missing"}
	reader := memReader{"Q": q}
	_, err := Resolve(context.Background(), reader, "Q", "default", nil)
	require.Error(t, err)
	pe, ok := project.As(err)
	require.True(t, ok)
	assert.Equal(t, project.CodeProjectNotFound, pe.Code)
}

func TestResolveCycleDetected(t *testing.T) {
	a := project.New()
	a.Parent = []string{"B"}
	b := project.New()
	b.Parent = []string{"A"}
	reader := memReader{"A": a, "B": b}

	_, err := Resolve(context.Background(), reader, "A", "default", nil)
	require.Error(t, err)
	pe, ok := project.As(err)
	require.True(t, ok)
	assert.Equal(t, project.CodeProjectCycle, pe.Code)
}

func TestResolveDiamondInheritanceIsNotACycle(t *testing.T) {
	base := project.New()
	base.Default["a"] = entry("a", "1")

	left := project.New()
	left.Parent = []string{"base"}
	left.Default["b"] = entry("b", "2")

	right := project.New()
	right.Parent = []string{"base"}
	right.Default["c"] = entry("c", "3")

	top := project.New()
	top.Parent = []string{"left", "right"}

	reader := memReader{"base": base, "left": left, "right": right, "top": top}

	res, err := Resolve(context.Background(), reader, "top", "default", nil)
	require.NoError(t, err)
	assert.Equal(t, "1", res.Data["a"])
	assert.Equal(t, "2", res.Data["b"])
	assert.Equal(t, "3", res.Data["c"])
}

func TestInterpolateMissingKeyResolvesEmpty(t *testing.T) {
	out := substitute("{missing}", map[string]string{})
	assert.Equal(t, "", out)
}

func TestInterpolateEscapedBraces(t *testing.T) {
	out := substitute("{{literal}}", map[string]string{})
	assert.Equal(t, "{literal}", out)
}
