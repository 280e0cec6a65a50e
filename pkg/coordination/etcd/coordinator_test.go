package etcd

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagehand/pkg/coordination"
)

// Requires a running etcd; set TEST_ETCD_ENDPOINTS to enable.
func newTestLocker(t *testing.T) *EtcdLocker {
	t.Helper()
	endpoints := os.Getenv("TEST_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("TEST_ETCD_ENDPOINTS not set")
	}
	l, err := NewEtcdLocker(strings.Split(endpoints, ","), 10*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestEtcdLocker_Exclusive(t *testing.T) {
	a := newTestLocker(t)
	b := newTestLocker(t)
	ctx := context.Background()
	name := "test-" + t.Name()

	lease, err := a.Acquire(ctx, name, "web-1")
	require.NoError(t, err)
	assert.Equal(t, "web-1", lease.Owner())

	_, err = b.Acquire(ctx, name, "web-2")
	assert.ErrorIs(t, err, coordination.ErrLockHeld)

	require.NoError(t, lease.Release(ctx))
	assert.NoError(t, lease.Release(ctx))

	again, err := b.Acquire(ctx, name, "web-2")
	require.NoError(t, err)
	assert.NoError(t, again.Release(ctx))
}
