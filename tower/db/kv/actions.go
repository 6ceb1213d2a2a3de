package kv

import (
	"bytes"
	"context"

	"github.com/PISAresearch/pisa/encoding/serial"
	"github.com/PISAresearch/pisa/tower/db/iface"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	"go.opencensus.io/trace"
)

// actionKey composes {component}\x00{uuid}. Component names must not contain
// the NUL byte.
func actionKey(component string, id uuid.UUID) []byte {
	k := make([]byte, 0, len(component)+1+len(id))
	k = append(k, component...)
	k = append(k, 0)
	return append(k, id[:]...)
}

// StoreActions persists side effects for a component, assigning each a fresh
// id, and appends them to the in-memory view.
func (s *Store) StoreActions(ctx context.Context, component string, actions []serial.Value) ([]iface.ActionAndID, error) {
	_, span := trace.StartSpan(ctx, "towerDB.StoreActions")
	defer span.End()
	if len(actions) == 0 {
		return nil, nil
	}
	stored := make([]iface.ActionAndID, 0, len(actions))
	for _, a := range actions {
		stored = append(stored, iface.ActionAndID{ID: uuid.New(), Action: a})
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(actionBucket)
		for _, entry := range stored {
			enc, err := serial.Marshal(entry.Action)
			if err != nil {
				return err
			}
			if err := bkt.Put(actionKey(component, entry.ID), enc); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	s.actionsMu.Lock()
	s.actions[component] = append(s.actions[component], stored...)
	s.actionsMu.Unlock()
	return stored, nil
}

// Actions returns the outstanding side effects for a component.
func (s *Store) Actions(component string) []iface.ActionAndID {
	s.actionsMu.Lock()
	defer s.actionsMu.Unlock()
	out := make([]iface.ActionAndID, len(s.actions[component]))
	copy(out, s.actions[component])
	return out
}

// RemoveAction deletes a completed side effect. Removing an action that is
// already gone is a no-op, keeping retried applications idempotent.
func (s *Store) RemoveAction(ctx context.Context, component string, action iface.ActionAndID) error {
	_, span := trace.StartSpan(ctx, "towerDB.RemoveAction")
	defer span.End()
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(actionBucket).Delete(actionKey(component, action.ID))
	}); err != nil {
		return err
	}
	s.actionsMu.Lock()
	entries := s.actions[component]
	for i, e := range entries {
		if e.ID == action.ID {
			s.actions[component] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	s.actionsMu.Unlock()
	return nil
}

// loadActions fills the in-memory action view from bolt at open.
func (s *Store) loadActions(ctx context.Context) error {
	_, span := trace.StartSpan(ctx, "towerDB.loadActions")
	defer span.End()
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(actionBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			sep := bytes.IndexByte(k, 0)
			if sep < 0 || len(k) != sep+1+len(uuid.UUID{}) {
				return errors.Errorf("malformed action key %q", k)
			}
			var id uuid.UUID
			copy(id[:], k[sep+1:])
			value, err := serial.Unmarshal(v)
			if err != nil {
				return errors.Wrapf(err, "could not decode action %q", k)
			}
			component := string(k[:sep])
			s.actions[component] = append(s.actions[component], iface.ActionAndID{ID: id, Action: value})
		}
		return nil
	})
}
