package password

import (
	"context"
	"fmt"
	"os"
	"sync"

	goState "github.com/MrEthical07/goState"
	"gopkg.in/yaml.v3"
)

// Entry is one account in a Directory.
type Entry struct {
	Hash     string `yaml:"hash"`
	ID       string `yaml:"id"`
	Nickname string `yaml:"nickname"`
	Role     string `yaml:"role"`
}

// Directory is an in-memory goState.UserProvider keyed by login identifier.
// Unknown identifiers still pay for one hash verification.
type Directory struct {
	hasher *Hasher

	mu      sync.RWMutex
	entries map[string]Entry
	dummy   string
}

func NewDirectory(h *Hasher) (*Directory, error) {
	dummy, err := h.Hash("goState-directory-placeholder")
	if err != nil {
		return nil, err
	}
	return &Directory{hasher: h, entries: make(map[string]Entry), dummy: dummy}, nil
}

// Add hashes secret and stores the account under identifier, replacing any
// previous entry.
func (d *Directory) Add(identifier, secret string, principal goState.Principal) error {
	hash, err := d.hasher.Hash(secret)
	if err != nil {
		return err
	}
	d.Put(identifier, Entry{Hash: hash, ID: principal.ID, Nickname: principal.Nickname, Role: principal.Role})
	return nil
}

// Put stores a pre-hashed entry.
func (d *Directory) Put(identifier string, e Entry) {
	d.mu.Lock()
	d.entries[identifier] = e
	d.mu.Unlock()
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// VerifyCredentials implements goState.UserProvider.
func (d *Directory) VerifyCredentials(_ context.Context, identifier, secret string) (goState.Principal, error) {
	d.mu.RLock()
	e, ok := d.entries[identifier]
	d.mu.RUnlock()

	if !ok {
		_, _ = d.hasher.Verify(secret, d.dummy)
		return goState.Principal{}, goState.ErrInvalidCredentials
	}

	match, err := d.hasher.Verify(secret, e.Hash)
	if err != nil {
		return goState.Principal{}, fmt.Errorf("password: entry %q: %w", identifier, err)
	}
	if !match {
		return goState.Principal{}, goState.ErrInvalidCredentials
	}
	return goState.Principal{ID: e.ID, Nickname: e.Nickname, Role: e.Role}, nil
}

// LoadDirectory reads a YAML map of identifier to Entry. Hashes are taken
// as-is and validated.
func LoadDirectory(path string, h *Hasher) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]Entry
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("password: parse %s: %w", path, err)
	}

	d, err := NewDirectory(h)
	if err != nil {
		return nil, err
	}
	for identifier, e := range raw {
		if e.ID == "" {
			return nil, fmt.Errorf("password: entry %q has no id", identifier)
		}
		if _, _, _, err := decode(e.Hash); err != nil {
			return nil, fmt.Errorf("password: entry %q: %w", identifier, err)
		}
		d.Put(identifier, e)
	}
	return d, nil
}
