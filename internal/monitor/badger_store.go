// Quorate - Digital Board Governance and Voting
// Copyright 2026 Quorate contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quoratehq/quorate

package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"

	"github.com/quoratehq/quorate/internal/logging"
)

const (
	alertKeyPrefix = "alert:"

	// Resolved alerts expire from the store after this TTL; open alerts
	// never expire.
	resolvedAlertTTL = 30 * 24 * time.Hour
)

// BadgerAlertStore persists alerts in an embedded BadgerDB so open
// alerts survive restarts.
type BadgerAlertStore struct {
	db *badger.DB
}

// NewBadgerAlertStore opens (or creates) the alert database at path.
func NewBadgerAlertStore(path string) (*BadgerAlertStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // badger's own logger is too chatty

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open alert store: %w", err)
	}

	store := &BadgerAlertStore{db: db}
	go store.runGC()
	return store, nil
}

// Save writes one alert. Resolved alerts get a TTL so the store does
// not grow without bound.
func (s *BadgerAlertStore) Save(_ context.Context, alert *Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(alertKeyPrefix+alert.ID), data)
		if alert.Resolved {
			entry = entry.WithTTL(resolvedAlertTTL)
		}
		return txn.SetEntry(entry)
	})
}

// Get returns one alert by ID.
func (s *BadgerAlertStore) Get(_ context.Context, id string) (*Alert, error) {
	var alert Alert
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(alertKeyPrefix + id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &alert)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read alert: %w", err)
	}
	return &alert, nil
}

// List returns stored alerts, optionally including resolved ones.
func (s *BadgerAlertStore) List(_ context.Context, includeResolved bool) ([]*Alert, error) {
	var alerts []*Alert
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(alertKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var alert Alert
				if err := json.Unmarshal(val, &alert); err != nil {
					return err
				}
				if alert.Resolved && !includeResolved {
					return nil
				}
				alerts = append(alerts, &alert)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	return alerts, nil
}

// Close shuts the database down.
func (s *BadgerAlertStore) Close() error {
	return s.db.Close()
}

// runGC reclaims badger value-log space periodically.
func (s *BadgerAlertStore) runGC() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for range ticker.C {
		if s.db.IsClosed() {
			return
		}
		if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
			logging.Debug().Err(err).Msg("Alert store GC pass skipped")
		}
	}
}

// MemoryAlertStore is an in-memory AlertStore for tests.
type MemoryAlertStore struct {
	mu     sync.Mutex
	alerts map[string]*Alert
}

// NewMemoryAlertStore creates an empty in-memory store.
func NewMemoryAlertStore() *MemoryAlertStore {
	return &MemoryAlertStore{alerts: make(map[string]*Alert)}
}

func (s *MemoryAlertStore) Save(_ context.Context, alert *Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *alert
	s.alerts[alert.ID] = &copied
	return nil
}

func (s *MemoryAlertStore) Get(_ context.Context, id string) (*Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.alerts[id]
	if !ok {
		return nil, ErrAlertNotFound
	}
	copied := *alert
	return &copied, nil
}

func (s *MemoryAlertStore) List(_ context.Context, includeResolved bool) ([]*Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Alert, 0, len(s.alerts))
	for _, alert := range s.alerts {
		if alert.Resolved && !includeResolved {
			continue
		}
		copied := *alert
		out = append(out, &copied)
	}
	return out, nil
}

func (s *MemoryAlertStore) Close() error { return nil }
