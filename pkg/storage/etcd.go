package storage

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const etcdPageSize = 500

// EtcdOptions configures the etcd engine.
type EtcdOptions struct {
	Endpoints   []string
	DialTimeout time.Duration
	Namespace   string
	TLS         *tls.Config
}

// EtcdEngine stores records under a namespace prefix in etcd.
type EtcdEngine struct {
	client *clientv3.Client
	prefix string
}

// OpenEtcd connects to the cluster described by opts.
func OpenEtcd(opts EtcdOptions) (*EtcdEngine, error) {
	if len(opts.Endpoints) == 0 {
		return nil, errors.New("etcd engine requires at least one endpoint")
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:           opts.Endpoints,
		DialTimeout:         dialTimeout,
		TLS:                 opts.TLS,
		RejectOldCluster:    true,
		PermitWithoutStream: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create etcd client: %w", err)
	}
	return &EtcdEngine{client: client, prefix: namespacePrefix(opts.Namespace)}, nil
}

// namespacePrefix normalises a namespace into "/ns/" form, or "/" when empty.
func namespacePrefix(namespace string) string {
	trimmed := strings.Trim(namespace, "/")
	if trimmed == "" {
		return "/"
	}
	return "/" + trimmed + "/"
}

func (e *EtcdEngine) key(k string) string {
	return e.prefix + k
}

// Put implements Engine.
func (e *EtcdEngine) Put(ctx context.Context, key string, value []byte) error {
	if _, err := e.client.Put(ctx, e.key(key), string(value)); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Get implements Engine.
func (e *EtcdEngine) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := e.client.Get(clientv3.WithRequireLeader(ctx), e.key(key))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}
	return resp.Kvs[0].Value, nil
}

// Scan implements Engine. Ranges are read in pages so large histories never
// materialise in a single response.
func (e *EtcdEngine) Scan(ctx context.Context, opts ScanOptions, fn func(key string, value []byte) error) error {
	start := e.key(opts.Start)
	end := clientv3.GetPrefixRangeEnd(e.prefix)
	if opts.End != "" {
		end = e.key(opts.End)
	}
	order := clientv3.SortAscend
	if opts.Reverse {
		order = clientv3.SortDescend
	}

	seen := 0
	for {
		page := etcdPageSize
		if opts.Limit > 0 && opts.Limit-seen < page {
			page = opts.Limit - seen
		}
		resp, err := e.client.Get(clientv3.WithRequireLeader(ctx), start,
			clientv3.WithRange(end),
			clientv3.WithSort(clientv3.SortByKey, order),
			clientv3.WithLimit(int64(page)),
		)
		if err != nil {
			return fmt.Errorf("scan %s: %w", opts.Start, err)
		}
		for _, kv := range resp.Kvs {
			key := strings.TrimPrefix(string(kv.Key), e.prefix)
			if err := fn(key, kv.Value); err != nil {
				if errors.Is(err, ErrStopScan) {
					return nil
				}
				return err
			}
			seen++
		}
		if !resp.More || len(resp.Kvs) == 0 || (opts.Limit > 0 && seen >= opts.Limit) {
			return nil
		}
		last := string(resp.Kvs[len(resp.Kvs)-1].Key)
		if opts.Reverse {
			end = last
		} else {
			start = last + "\x00"
		}
	}
}

// DeleteRange implements Engine.
func (e *EtcdEngine) DeleteRange(ctx context.Context, start, end string) (int64, error) {
	rangeEnd := clientv3.GetPrefixRangeEnd(e.prefix)
	if end != "" {
		rangeEnd = e.key(end)
	}
	resp, err := e.client.Delete(ctx, e.key(start), clientv3.WithRange(rangeEnd))
	if err != nil {
		return 0, fmt.Errorf("delete range %s: %w", start, err)
	}
	return resp.Deleted, nil
}

// Close releases underlying client resources.
func (e *EtcdEngine) Close() error {
	if e == nil {
		return nil
	}
	return e.client.Close()
}

var _ Engine = (*EtcdEngine)(nil)
