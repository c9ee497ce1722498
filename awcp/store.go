// Copyright 2026 The AWCP Authors
// SPDX-License-Identifier: Apache-2.0

package awcp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/EricSanchezok/awcp/internal/secret"
	"github.com/EricSanchezok/awcp/internal/sealed"
)

// Store persists Delegator-side Delegation records as one JSON file
// per delegation, surviving process restarts. Each delegation's file
// is its own lock — writes to distinct delegations never contend, and
// there is no global write lock.
//
// When SealingRecipients is non-empty, TransportHandle — the only
// field that can carry adapter-specific credential-bearing material
// — is age-encrypted at rest via internal/sealed before the record
// touches disk, and decrypted back on Load. PrivateKey must be
// supplied to read an already-sealed store.
type Store struct {
	root              string
	sealingRecipients []string
	privateKey        *secret.Buffer

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a Store rooted at dir, creating it if necessary.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("store: creating %s: %w", dir, err)
	}
	return &Store{root: dir, locks: make(map[string]*sync.Mutex)}, nil
}

// WithSealing configures the store to encrypt TransportHandle at rest
// for the given recipients, and to decrypt it on Load using
// privateKey. privateKey's lifetime is owned by the caller; the Store
// never closes it.
func (s *Store) WithSealing(recipients []string, privateKey *secret.Buffer) *Store {
	s.sealingRecipients = recipients
	s.privateKey = privateKey
	return s
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

func (s *Store) path(id string) string {
	return filepath.Join(s.root, id+".json")
}

// Save atomically persists d, sealing TransportHandle first if the
// store is configured for it.
func (s *Store) Save(d *Delegation) error {
	lock := s.lockFor(d.ID)
	lock.Lock()
	defer lock.Unlock()

	record := *d
	if len(s.sealingRecipients) > 0 && len(record.TransportHandle) > 0 {
		ciphertext, err := sealed.Encrypt(record.TransportHandle, s.sealingRecipients)
		if err != nil {
			return fmt.Errorf("store: sealing transport handle for %s: %w", d.ID, err)
		}
		raw, err := json.Marshal(ciphertext)
		if err != nil {
			return fmt.Errorf("store: encoding sealed handle for %s: %w", d.ID, err)
		}
		record.TransportHandle = raw
	}

	data, err := json.MarshalIndent(&record, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshaling %s: %w", d.ID, err)
	}

	finalPath := s.path(d.ID)
	tmp, err := os.CreateTemp(s.root, "delegation-*.json.tmp")
	if err != nil {
		return fmt.Errorf("store: creating temp file for %s: %w", d.ID, err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("store: writing %s: %w", d.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: closing temp file for %s: %w", d.ID, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("store: renaming into place for %s: %w", d.ID, err)
	}
	success = true
	return nil
}

// Load reads the delegation record for id, unsealing TransportHandle
// if the store is configured with a private key.
func (s *Store) Load(id string) (*Delegation, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NotFound(fmt.Sprintf("no delegation record for %s", id))
		}
		return nil, fmt.Errorf("store: reading %s: %w", id, err)
	}

	var d Delegation
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("store: decoding %s: %w", id, err)
	}

	if s.privateKey != nil && len(d.TransportHandle) > 0 {
		var ciphertext string
		if err := json.Unmarshal(d.TransportHandle, &ciphertext); err == nil {
			plaintext, err := sealed.Decrypt(ciphertext, s.privateKey)
			if err != nil {
				return nil, fmt.Errorf("store: unsealing transport handle for %s: %w", id, err)
			}
			d.TransportHandle = json.RawMessage(plaintext.Bytes())
			plaintext.Close()
		}
	}

	return &d, nil
}

// Delete removes the on-disk record for id. Fault tolerant: a missing
// file is not an error.
func (s *Store) Delete(id string) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: deleting %s: %w", id, err)
	}

	s.mu.Lock()
	delete(s.locks, id)
	s.mu.Unlock()
	return nil
}

// List returns the ids of every delegation with a record on disk,
// used at startup to rebuild in-memory state.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("store: listing %s: %w", s.root, err)
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}
