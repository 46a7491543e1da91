package backend

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"

	"github.com/quarkvm/vmlauncher/internal/config"
)

// Store persists machine definitions at <root>/<owner>/<name>.json. A VM
// exists, in the Load/Delete sense, exactly when its definition file does.
type Store struct {
	root string
}

// NewStore creates a store rooted at ~/.vmlauncher/vms.
func NewStore() (*Store, error) {
	home, err := homedir.Dir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	return NewStoreAt(filepath.Join(home, ".vmlauncher", "vms"))
}

// NewStoreAt creates a store rooted at an explicit directory.
func NewStoreAt(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create vm store directory: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) path(owner, name string) string {
	return filepath.Join(s.root, owner, name+".json")
}

// Save persists a machine definition.
func (s *Store) Save(owner, name string, cfg *config.Machine) error {
	dir := filepath.Join(s.root, owner)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create owner directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal machine config: %w", err)
	}

	if err := os.WriteFile(s.path(owner, name), data, 0644); err != nil {
		return fmt.Errorf("failed to write machine config: %w", err)
	}
	return nil
}

// Exists reports whether a definition is persisted for (owner, name).
func (s *Store) Exists(owner, name string) bool {
	_, err := os.Stat(s.path(owner, name))
	return err == nil
}

// Load reads a persisted machine definition. Returns ErrNotFound when the
// definition file does not exist.
func (s *Store) Load(owner, name string) (*config.Machine, error) {
	data, err := os.ReadFile(s.path(owner, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, owner, name)
		}
		return nil, fmt.Errorf("failed to read machine config: %w", err)
	}

	var cfg config.Machine
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal machine config: %w", err)
	}
	return &cfg, nil
}

// List returns the names of all persisted definitions for the owner.
func (s *Store) List(owner string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, owner))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read owner directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), ".json"))
	}
	return names, nil
}

// Delete removes a persisted definition. Returns ErrNotFound when nothing is
// persisted under the name.
func (s *Store) Delete(owner, name string) error {
	if err := os.Remove(s.path(owner, name)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, owner, name)
		}
		return fmt.Errorf("failed to delete machine config: %w", err)
	}
	return nil
}
