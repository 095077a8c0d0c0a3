// Package kvstore implements the hierarchical configuration key-value
// store. Keys are normalized paths; the store is ordered lexicographically
// so that directory listings and prefix deletes are range scans.
package kvstore

import (
	"strings"
	"sync"

	"github.com/google/btree"

	"github.com/ChuLiYu/cluster-coordinator/pkg/coorderr"
	"github.com/ChuLiYu/cluster-coordinator/pkg/types"
)

// GetCallback receives the value for a key, or an error if the store shuts
// down before the key is written.
type GetCallback func(value string, err error)

type entry struct {
	key   string
	value string
}

func (e entry) Less(other btree.Item) bool {
	return e.key < other.(entry).key
}

// Store is an ordered key-value map with blocking reads. All operations are
// guarded by the store's own mutex, independent of any service state lock.
type Store struct {
	mu      sync.Mutex
	tree    *btree.BTree
	waiters map[string][]GetCallback
}

// New returns an empty store.
func New() *Store {
	return &Store{
		tree:    btree.New(8),
		waiters: make(map[string][]GetCallback),
	}
}

// NormalizeKey strips leading/trailing slashes and collapses runs of
// slashes: "///a//b/c//" -> "a/b/c". The empty key normalizes to "".
func NormalizeKey(key string) string {
	parts := strings.Split(key, "/")
	kept := parts[:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "/")
}

// Insert stores value under the normalized key. If the key exists and
// overwrite is disallowed, it fails with AlreadyExists. On success every
// getter pending on the key is fired with the new value and dropped.
func (s *Store) Insert(key, value string, allowOverwrite bool) error {
	norm := NormalizeKey(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !allowOverwrite && s.tree.Has(entry{key: norm}) {
		return coorderr.AlreadyExistsf("config key %s already exists", key)
	}
	s.tree.ReplaceOrInsert(entry{key: norm, value: value})
	for _, cb := range s.waiters[norm] {
		cb(value, nil)
	}
	delete(s.waiters, norm)
	return nil
}

// GetAsync delivers the value for key to cb. If the key is present the
// callback runs synchronously; otherwise it is enqueued until a matching
// Insert or until FailPending.
func (s *Store) GetAsync(key string, cb GetCallback) {
	norm := NormalizeKey(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if item := s.tree.Get(entry{key: norm}); item != nil {
		cb(item.(entry).value, nil)
		return
	}
	s.waiters[norm] = append(s.waiters[norm], cb)
}

// TryGet returns the value for key, or NotFound without blocking.
func (s *Store) TryGet(key string) (string, error) {
	norm := NormalizeKey(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.tree.Get(entry{key: norm})
	if item == nil {
		return "", coorderr.NotFoundf("config key %s not found", key)
	}
	return item.(entry).value, nil
}

// GetDir returns every entry whose key starts with the normalized prefix
// followed by "/", in lexicographic order.
func (s *Store) GetDir(prefix string) []types.KeyValueEntry {
	dir := NormalizeKey(prefix) + "/"
	var out []types.KeyValueEntry
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.AscendGreaterOrEqual(entry{key: dir}, func(item btree.Item) bool {
		e := item.(entry)
		if !strings.HasPrefix(e.key, dir) {
			return false
		}
		out = append(out, types.KeyValueEntry{Key: e.key, Value: e.value})
		return true
	})
	return out
}

// Delete removes the normalized key and every key under it as a directory.
// Deleting an absent key is not an error.
func (s *Store) Delete(key string) {
	norm := NormalizeKey(key)
	dir := norm + "/"
	s.mu.Lock()
	defer s.mu.Unlock()
	var doomed []entry
	s.tree.AscendGreaterOrEqual(entry{key: dir}, func(item btree.Item) bool {
		e := item.(entry)
		if !strings.HasPrefix(e.key, dir) {
			return false
		}
		doomed = append(doomed, e)
		return true
	})
	for _, e := range doomed {
		s.tree.Delete(e)
	}
	s.tree.Delete(entry{key: norm})
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Len()
}

// FailPending fires every pending getter with err and clears the waiter
// table. Called once at service shutdown.
func (s *Store) FailPending(err error) {
	s.mu.Lock()
	waiters := s.waiters
	s.waiters = make(map[string][]GetCallback)
	s.mu.Unlock()
	for _, cbs := range waiters {
		for _, cb := range cbs {
			cb("", err)
		}
	}
}
