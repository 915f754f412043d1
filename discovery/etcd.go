// Package discovery publishes units in etcd and watches for the rest of the flock.
package discovery

import (
	"context"
	"errors"
	"flock/oid"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	log "github.com/sirupsen/logrus"
)

var ErrForeignKey = errors.New("key is outside the unit prefix")

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

func UnitKey(prefix string, id oid.Oid) string {
	return strings.TrimSuffix(prefix, "/") + "/" + id.String()
}

func ParseUnitKey(prefix string, key string) (oid.Oid, error) {
	prefix = strings.TrimSuffix(prefix, "/") + "/"
	if !strings.HasPrefix(key, prefix) {
		return oid.Oid{}, fmt.Errorf("%w: %s", ErrForeignKey, key)
	}
	id, err := oid.FromString(key[len(prefix):])
	if err != nil {
		return oid.Oid{}, err
	}
	return *id, nil
}

// RegisterUnit puts the unit's address under a lease that is kept alive until ctx ends.
func RegisterUnit(ctx context.Context, cli *clientv3.Client, prefix string, id oid.Oid, addr string, ttl time.Duration) (clientv3.LeaseID, error) {
	lease, err := cli.Grant(ctx, int64(ttl/time.Second))
	if err != nil {
		return 0, err
	}

	key := UnitKey(prefix, id)
	if _, err := cli.Put(ctx, key, addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, err
	}

	ch, err := cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		return 0, err
	}
	go func() {
		for range ch {
		}
		log.Debugf("etcd: keepalive for %s stopped", key)
	}()

	log.Infof("Registered %s in etcd with a %v lease", key, ttl)
	return lease.ID, nil
}

// ListUnits returns the addresses of every unit currently registered under prefix.
func ListUnits(ctx context.Context, cli *clientv3.Client, prefix string) (map[oid.Oid]string, error) {
	resp, err := cli.Get(ctx, strings.TrimSuffix(prefix, "/")+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	units := make(map[oid.Oid]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		id, err := ParseUnitKey(prefix, string(kv.Key))
		if err != nil {
			log.Warnf("etcd: skipping %s: %v", kv.Key, err)
			continue
		}
		units[id] = string(kv.Value)
	}
	return units, nil
}

// WatchUnits calls onPut for every unit that appears under prefix until ctx ends.
// Removals are logged only; liveness is decided by heartbeats, not by etcd.
func WatchUnits(ctx context.Context, cli *clientv3.Client, prefix string, onPut func(id oid.Oid, addr string)) error {
	wch := cli.Watch(ctx, strings.TrimSuffix(prefix, "/")+"/", clientv3.WithPrefix())
	for resp := range wch {
		if err := resp.Err(); err != nil {
			return err
		}
		for _, ev := range resp.Events {
			id, err := ParseUnitKey(prefix, string(ev.Kv.Key))
			if err != nil {
				continue
			}
			switch ev.Type {
			case clientv3.EventTypePut:
				onPut(id, string(ev.Kv.Value))
			case clientv3.EventTypeDelete:
				log.Debugf("etcd: unit %s left", id.Short())
			}
		}
	}
	return ctx.Err()
}

// Run registers the unit, reports the units already present and then follows changes.
func Run(ctx context.Context, cli *clientv3.Client, prefix string, id oid.Oid, addr string, ttl time.Duration, onPut func(id oid.Oid, addr string)) error {
	if _, err := RegisterUnit(ctx, cli, prefix, id, addr, ttl); err != nil {
		return fmt.Errorf("etcd registration failed: %w", err)
	}

	units, err := ListUnits(ctx, cli, prefix)
	if err != nil {
		return fmt.Errorf("etcd listing failed: %w", err)
	}
	for uid, a := range units {
		onPut(uid, a)
	}

	return WatchUnits(ctx, cli, prefix, onPut)
}
