package vmm

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/quarkvm/vmlauncher/internal/backend"
	"github.com/quarkvm/vmlauncher/internal/config"
)

var (
	instancesMu sync.Mutex
	instances   = make(map[string]*Registry)
)

// GetInstance returns the singleton registry bound to the owner scope,
// creating it on first use. Concurrent first-use races produce exactly one
// registry per owner; later callers' backend and logger arguments are
// ignored.
func GetInstance(owner string, be backend.Backend, logger *zap.Logger) *Registry {
	instancesMu.Lock()
	defer instancesMu.Unlock()

	if r, ok := instances[owner]; ok {
		return r
	}
	r := &Registry{
		owner:   owner,
		backend: be,
		logger:  logger.Named("registry").With(zap.String("owner", owner)),
		cache:   make(map[string]*Session),
	}
	instances[owner] = r
	return r
}

// Registry manages the sessions of one owner scope. Session names are unique
// within the scope; creation and uniqueness checking are serialized under a
// single creation lock. The cache is a plain lookup table that never owns a
// session: Release drops an entry without touching the persisted VM, and a
// dropped entry is rebuilt from the backend on the next Get.
type Registry struct {
	owner   string
	backend backend.Backend
	logger  *zap.Logger

	// createMu serializes Create, GetOrCreate and Delete so no caller can
	// observe a half-created session.
	createMu sync.Mutex

	cacheMu sync.Mutex
	cache   map[string]*Session
}

// Create makes a new session with the given name and config. Creating over
// an existing name fails with ErrAlreadyExists; after a delete the name is
// reusable, and reuse always produces a new session object with a new
// backend handle.
func (r *Registry) Create(name string, cfg *config.Machine) (*Session, error) {
	r.createMu.Lock()
	defer r.createMu.Unlock()
	return r.createLocked(name, cfg)
}

func (r *Registry) createLocked(name string, cfg *config.Machine) (*Session, error) {
	handle, err := r.backend.Create(r.owner, name, cfg)
	if err != nil {
		if errors.Is(err, backend.ErrAlreadyExists) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
		}
		return nil, fmt.Errorf("failed to create vm %s: %w", name, err)
	}

	s := newSession(r.owner, name, cfg, handle, r.logger)

	r.cacheMu.Lock()
	r.cache[name] = s
	r.cacheMu.Unlock()

	r.logger.Info("session created", zap.String("vm", name))
	return s, nil
}

// Get returns the session with the given name. A cache miss falls through to
// the backend's persisted VMs; ErrUnknownVM is returned only when the
// backend reports no such VM.
func (r *Registry) Get(name string) (*Session, error) {
	r.cacheMu.Lock()
	if s, ok := r.cache[name]; ok {
		r.cacheMu.Unlock()
		return s, nil
	}
	r.cacheMu.Unlock()

	handle, cfg, err := r.backend.Load(r.owner, name)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownVM, name)
		}
		return nil, fmt.Errorf("failed to load vm %s: %w", name, err)
	}

	s := newSession(r.owner, name, cfg, handle, r.logger)

	// A concurrent Get may have repopulated the entry; the first one in
	// wins and the loser's handle is released.
	r.cacheMu.Lock()
	if cached, ok := r.cache[name]; ok {
		r.cacheMu.Unlock()
		s.release()
		return cached, nil
	}
	r.cache[name] = s
	r.cacheMu.Unlock()
	return s, nil
}

// GetOrCreate returns the existing session or creates one. When the session
// exists and cfg is non-nil, the session is reconfigured with cfg; that can
// fail with ErrIncompatibleConfig, in which case the existing session is
// untouched. Reconfiguration happens outside the creation lock; it only
// needs per-session serialization.
func (r *Registry) GetOrCreate(name string, cfg *config.Machine) (*Session, error) {
	r.createMu.Lock()
	s, err := r.Get(name)
	if errors.Is(err, ErrUnknownVM) {
		s, err = r.createLocked(name, cfg)
		r.createMu.Unlock()
		return s, err
	}
	r.createMu.Unlock()
	if err != nil {
		return nil, err
	}

	if cfg != nil {
		if err := s.SetConfig(cfg); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Delete removes the persisted VM and invalidates the cache entry, releasing
// the session's handle. The name becomes immediately reusable by a new
// session.
func (r *Registry) Delete(name string) error {
	r.createMu.Lock()
	defer r.createMu.Unlock()

	if err := r.backend.Delete(r.owner, name); err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownVM, name)
		}
		return fmt.Errorf("failed to delete vm %s: %w", name, err)
	}

	r.cacheMu.Lock()
	s := r.cache[name]
	delete(r.cache, name)
	r.cacheMu.Unlock()

	if s != nil {
		s.release()
	}
	r.logger.Info("session deleted", zap.String("vm", name))
	return nil
}

// Release drops the cache entry for name and releases the session's handle
// without deleting the persisted VM. The owning application calls this when
// it is done with a session; a later Get rebuilds it from the backend.
func (r *Registry) Release(name string) {
	r.cacheMu.Lock()
	s := r.cache[name]
	delete(r.cache, name)
	r.cacheMu.Unlock()

	if s != nil {
		s.release()
	}
}

// List returns the names of all persisted VMs in this owner scope.
func (r *Registry) List() ([]string, error) {
	return r.backend.List(r.owner)
}
