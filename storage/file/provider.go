// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package file

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/absmach/fluxjms/storage"
)

var _ storage.Provider = (*Provider)(nil)

const fileExt = ".blk"

// Provider keeps one block file per destination under a directory.
type Provider struct {
	dir  string
	opts Options

	mu     sync.Mutex
	stores map[string]*Store
	closed bool
}

// NewProvider creates dir if needed and returns a provider rooted there.
func NewProvider(dir string, opts Options) (*Provider, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Provider{
		dir:    dir,
		opts:   opts,
		stores: make(map[string]*Store),
	}, nil
}

func (p *Provider) path(name string) string {
	return filepath.Join(p.dir, url.PathEscape(name)+fileExt)
}

func (p *Provider) Open(name string, c storage.Capacity) (storage.BlockStore, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, storage.ErrClosed
	}
	if s, ok := p.stores[name]; ok && !s.isClosed() {
		s.SetCapacity(c)
		return s, nil
	}
	opts := p.opts
	opts.Logger = p.opts.Logger.With(slog.String("destination", name))
	s, err := Open(p.path(name), c, opts)
	if err != nil {
		return nil, err
	}
	p.stores[name] = s
	return s, nil
}

func (p *Provider) Remove(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.stores[name]; ok {
		if err := s.Close(); err != nil {
			return err
		}
		delete(p.stores, name)
	}
	if err := os.Remove(p.path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove block file: %w", err)
	}
	return nil
}

func (p *Provider) Mode() storage.Durability {
	return p.opts.Durability
}

func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	var errs []error
	for name, s := range p.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	p.stores = nil
	return errors.Join(errs...)
}
