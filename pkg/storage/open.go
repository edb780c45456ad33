package storage

import (
	"fmt"
	"time"
)

// Options selects and configures a backend for Open.
type Options struct {
	Backend string

	Badger BadgerOptions

	EtcdEndpoints []string
	EtcdNamespace string
	EtcdTLS       *TLSFiles
	DialTimeout   time.Duration
}

// Open builds a KVStore over the configured backend.
func Open(opts Options) (*KVStore, error) {
	var (
		engine Engine
		err    error
	)
	switch opts.Backend {
	case "", "badger":
		engine, err = OpenBadger(opts.Badger)
	case "etcd":
		etcdOpts := EtcdOptions{
			Endpoints:   opts.EtcdEndpoints,
			DialTimeout: opts.DialTimeout,
			Namespace:   opts.EtcdNamespace,
		}
		if opts.EtcdTLS != nil {
			etcdOpts.TLS, err = LoadTLSConfig(*opts.EtcdTLS)
			if err != nil {
				return nil, err
			}
		}
		engine, err = OpenEtcd(etcdOpts)
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", opts.Backend)
	}
	if err != nil {
		return nil, err
	}
	return NewKVStore(engine)
}
