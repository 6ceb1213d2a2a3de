package kv

import (
	"bytes"
	"context"

	"github.com/PISAresearch/pisa/encoding/serial"
	"github.com/PISAresearch/pisa/tower/appointment"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	"go.opencensus.io/trace"
)

// ErrStaleNonce is returned when saving an appointment whose nonce does not
// exceed the stored record for its (customer, id) pair.
var ErrStaleNonce = errors.New("appointment nonce is not greater than the stored appointment")

func appointmentKey(customer common.Address, id common.Hash) []byte {
	k := make([]byte, 0, common.AddressLength+common.HashLength)
	k = append(k, customer.Bytes()...)
	return append(k, id.Bytes()...)
}

func decodeAppointment(data []byte) (*appointment.Appointment, error) {
	v, err := serial.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	a, ok := v.(*appointment.Appointment)
	if !ok {
		return nil, errors.Errorf("appointment record has unexpected type %T", v)
	}
	return a, nil
}

// SaveAppointment stores an appointment. A prior record for the same
// (customer, id) is replaced only when the nonce strictly increases; the
// replacement is a delete-and-put in one bolt transaction.
func (s *Store) SaveAppointment(ctx context.Context, a *appointment.Appointment) error {
	_, span := trace.StartSpan(ctx, "towerDB.SaveAppointment")
	defer span.End()
	enc, err := serial.Marshal(a)
	if err != nil {
		return err
	}
	key := appointmentKey(a.CustomerAddress, a.ID)
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(appointmentBucket)
		if existing := bkt.Get(key); existing != nil {
			prev, err := decodeAppointment(existing)
			if err != nil {
				return err
			}
			if prev.Nonce >= a.Nonce {
				return errors.Wrapf(ErrStaleNonce, "stored nonce %d, submitted nonce %d", prev.Nonce, a.Nonce)
			}
			if err := bkt.Delete(key); err != nil {
				return err
			}
		}
		if err := bkt.Put(key, enc); err != nil {
			return err
		}
		return tx.Bucket(appointmentIdxBucket).Put(a.ID.Bytes(), key)
	})
}

// Appointment retrieves the record for (customer, id), or nil when absent.
func (s *Store) Appointment(ctx context.Context, customer common.Address, id common.Hash) (*appointment.Appointment, error) {
	_, span := trace.StartSpan(ctx, "towerDB.Appointment")
	defer span.End()
	var a *appointment.Appointment
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(appointmentBucket).Get(appointmentKey(customer, id))
		if data == nil {
			return nil
		}
		var err error
		a, err = decodeAppointment(data)
		return err
	})
	return a, err
}

// AppointmentByID resolves an appointment through the id index, or nil when
// absent.
func (s *Store) AppointmentByID(ctx context.Context, id common.Hash) (*appointment.Appointment, error) {
	_, span := trace.StartSpan(ctx, "towerDB.AppointmentByID")
	defer span.End()
	var a *appointment.Appointment
	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(appointmentIdxBucket).Get(id.Bytes())
		if key == nil {
			return nil
		}
		data := tx.Bucket(appointmentBucket).Get(key)
		if data == nil {
			return nil
		}
		var err error
		a, err = decodeAppointment(data)
		return err
	})
	return a, err
}

// Appointments lists every stored appointment.
func (s *Store) Appointments(ctx context.Context) ([]*appointment.Appointment, error) {
	_, span := trace.StartSpan(ctx, "towerDB.Appointments")
	defer span.End()
	var out []*appointment.Appointment
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(appointmentBucket).ForEach(func(_, v []byte) error {
			a, err := decodeAppointment(v)
			if err != nil {
				return err
			}
			out = append(out, a)
			return nil
		})
	})
	return out, err
}

// AppointmentsByCustomer lists a customer's appointments using the key
// prefix.
func (s *Store) AppointmentsByCustomer(ctx context.Context, customer common.Address) ([]*appointment.Appointment, error) {
	_, span := trace.StartSpan(ctx, "towerDB.AppointmentsByCustomer")
	defer span.End()
	var out []*appointment.Appointment
	prefix := customer.Bytes()
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(appointmentBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			a, err := decodeAppointment(v)
			if err != nil {
				return err
			}
			out = append(out, a)
		}
		return nil
	})
	return out, err
}

// DeleteAppointment removes the record and, when it still points here, its
// id index entry. Deleting an absent appointment is a no-op.
func (s *Store) DeleteAppointment(ctx context.Context, customer common.Address, id common.Hash) error {
	_, span := trace.StartSpan(ctx, "towerDB.DeleteAppointment")
	defer span.End()
	key := appointmentKey(customer, id)
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(appointmentBucket).Delete(key); err != nil {
			return err
		}
		idx := tx.Bucket(appointmentIdxBucket)
		if bytes.Equal(idx.Get(id.Bytes()), key) {
			return idx.Delete(id.Bytes())
		}
		return nil
	})
}
