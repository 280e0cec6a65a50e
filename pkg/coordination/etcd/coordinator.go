package etcd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"stagehand/pkg/coordination"
)

const lockPrefix = "/stagehand/locks/"

type EtcdLocker struct {
	client  *clientv3.Client
	session *concurrency.Session
}

func NewEtcdLocker(endpoints []string, ttl time.Duration) (*EtcdLocker, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	// The session keeps its lease alive with heartbeats until closed,
	// so the TTL only matters when this process dies.
	sess, err := concurrency.NewSession(cli, concurrency.WithTTL(int(ttl.Seconds())))
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to create concurrency session: %w", err)
	}

	return &EtcdLocker{
		client:  cli,
		session: sess,
	}, nil
}

func (l *EtcdLocker) Close() error {
	if l.session != nil {
		l.session.Close()
	}
	return l.client.Close()
}

func (l *EtcdLocker) Acquire(ctx context.Context, name, owner string) (coordination.Lease, error) {
	m := concurrency.NewMutex(l.session, lockPrefix+name)
	if err := m.TryLock(ctx); err != nil {
		if errors.Is(err, concurrency.ErrLocked) {
			return nil, fmt.Errorf("%s: %w", name, coordination.ErrLockHeld)
		}
		return nil, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}

	// Record who holds it next to the mutex key for operators.
	if _, err := l.client.Put(ctx, m.Key()+"/owner", owner, clientv3.WithLease(l.session.Lease())); err != nil {
		_ = m.Unlock(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("failed to record lock owner: %w", err)
	}

	return &EtcdLease{mutex: m, client: l.client, owner: owner}, nil
}

// EtcdLease wraps a held concurrency.Mutex.
type EtcdLease struct {
	mutex  *concurrency.Mutex
	client *clientv3.Client
	owner  string
	once   sync.Once
	err    error
}

func (e *EtcdLease) Owner() string { return e.owner }

func (e *EtcdLease) Release(ctx context.Context) error {
	e.once.Do(func() {
		if _, err := e.client.Delete(ctx, e.mutex.Key()+"/owner"); err != nil {
			e.err = fmt.Errorf("failed to clear lock owner: %w", err)
		}
		if err := e.mutex.Unlock(ctx); err != nil {
			e.err = fmt.Errorf("failed to release lock: %w", err)
		}
	})
	return e.err
}
