package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePeer struct{ id string }

func (p fakePeer) ID() string { return p.id }
func (p fakePeer) Enqueue(context.Context, []byte) error { return nil }

func TestRegisterTargetUnique(t *testing.T) {
	r := New()
	first, err := r.RegisterTarget("T1", "Desk", fakePeer{"c1"})
	require.NoError(t, err)

	_, err = r.RegisterTarget("T1", "Other", fakePeer{"c2"})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	got, ok := r.Lookup("T1")
	require.True(t, ok)
	assert.Same(t, first, got)
	assert.Equal(t, "Desk", got.DisplayName)
	assert.Equal(t, RoleTarget, got.Role)
}

func TestConcurrentRegisterTarget(t *testing.T) {
	r := New()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := r.RegisterTarget("T1", "", fakePeer{fmt.Sprintf("c%d", i)}); err == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, 1, r.Count(RoleTarget))
}

func TestRemoveIdempotent(t *testing.T) {
	r := New()
	rec, err := r.RegisterTarget("T1", "", fakePeer{"c1"})
	require.NoError(t, err)

	assert.True(t, r.Remove(rec))
	assert.False(t, r.Remove(rec))
	assert.False(t, r.Remove(nil))

	_, ok := r.Lookup("T1")
	assert.False(t, ok)
	_, ok = r.LookupConn("c1")
	assert.False(t, ok)
}

func TestStaleRemoveKeepsNewRegistration(t *testing.T) {
	r := New()
	old, err := r.RegisterTarget("T1", "", fakePeer{"c1"})
	require.NoError(t, err)
	require.True(t, r.Remove(old))

	fresh, err := r.RegisterTarget("T1", "", fakePeer{"c2"})
	require.NoError(t, err)

	assert.False(t, r.Remove(old))
	got, ok := r.Lookup("T1")
	require.True(t, ok)
	assert.Same(t, fresh, got)
}

func TestRegisterController(t *testing.T) {
	r := New()
	a := r.RegisterController(fakePeer{"c1"})
	b := r.RegisterController(fakePeer{"c2"})

	assert.Equal(t, RoleController, a.Role)
	assert.Equal(t, "c1", a.DeclaredID)
	assert.Equal(t, 2, r.Count(RoleController))
	assert.Equal(t, 0, r.Count(RoleTarget))

	got, ok := r.LookupConn("c2")
	require.True(t, ok)
	assert.Same(t, b, got)

	_, ok = r.Lookup("c1")
	assert.False(t, ok, "controllers are not addressable as targets")
	assert.Len(t, r.Peers(), 2)
}

func TestResolveTarget(t *testing.T) {
	r := New()
	_, ok := r.ResolveTarget("T1")
	assert.False(t, ok)

	_, err := r.RegisterTarget("T1", "", fakePeer{"c9"})
	require.NoError(t, err)
	connID, ok := r.ResolveTarget("T1")
	assert.True(t, ok)
	assert.Equal(t, "c9", connID)
}

func TestTargetsSorted(t *testing.T) {
	r := New()
	for _, id := range []string{"b", "c", "a"} {
		_, err := r.RegisterTarget(id, "", fakePeer{"conn-" + id})
		require.NoError(t, err)
	}
	r.RegisterController(fakePeer{"ctl"})

	targets := r.Targets()
	require.Len(t, targets, 3)
	assert.Equal(t, "a", targets[0].DeclaredID)
	assert.Equal(t, "b", targets[1].DeclaredID)
	assert.Equal(t, "c", targets[2].DeclaredID)
}

func TestLookupDuringRemove(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		rec, err := r.RegisterTarget(fmt.Sprintf("T%d", i), "", fakePeer{fmt.Sprintf("c%d", i)})
		require.NoError(t, err)
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Remove(rec)
		}()
		go func(id string) {
			defer wg.Done()
			if got, ok := r.Lookup(id); ok {
				assert.Equal(t, id, got.DeclaredID)
			}
		}(rec.DeclaredID)
	}
	wg.Wait()
	assert.Equal(t, 0, r.Count(RoleTarget))
}
