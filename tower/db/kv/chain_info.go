package kv

import (
	"context"

	"github.com/PISAresearch/pisa/encoding/serial"
	eth1types "github.com/PISAresearch/pisa/tower/eth1/types"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	"go.opencensus.io/trace"
)

// SaveHeadInfo persists the block processor's announced head.
func (s *Store) SaveHeadInfo(ctx context.Context, head *eth1types.HeadInfo) error {
	_, span := trace.StartSpan(ctx, "towerDB.SaveHeadInfo")
	defer span.End()
	enc, err := serial.Marshal(head)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(processorBucket).Put(headInfoKey, enc)
	})
}

// HeadInfo returns the persisted head, or nil when none has been saved yet.
func (s *Store) HeadInfo(ctx context.Context) (*eth1types.HeadInfo, error) {
	_, span := trace.StartSpan(ctx, "towerDB.HeadInfo")
	defer span.End()
	var head *eth1types.HeadInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(processorBucket).Get(headInfoKey)
		if data == nil {
			return nil
		}
		v, err := serial.Unmarshal(data)
		if err != nil {
			return err
		}
		h, ok := v.(*eth1types.HeadInfo)
		if !ok {
			return errors.Errorf("head record has unexpected type %T", v)
		}
		head = h
		return nil
	})
	return head, err
}
