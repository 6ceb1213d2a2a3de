// Package iface declares the database interfaces tower services consume.
// The canonical implementation lives in tower/db/kv.
package iface

import (
	"context"
	"io"

	"github.com/PISAresearch/pisa/encoding/serial"
	"github.com/PISAresearch/pisa/tower/appointment"
	eth1types "github.com/PISAresearch/pisa/tower/eth1/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// BlockItem is one record of the block-item store: a value keyed by the block
// it is anchored to and a component-chosen item key.
type BlockItem struct {
	Height uint64
	Hash   common.Hash
	Key    string
	Value  serial.Value
}

// Batch stages block-item writes that commit atomically. A batch must be
// finished with exactly one Commit or Abort; both hand the store's single
// batch slot to the next waiter.
type Batch interface {
	PutItem(height uint64, hash common.Hash, key string, value serial.Value)
	DeleteItemsAtHeight(height uint64)
	DeleteItemsBelowHeight(height uint64)
	Commit(ctx context.Context) error
	Abort()
}

// BlockItemDatabase is the transactional store anchoring per-block records.
// All writes go through a batch; reads observe only committed state.
type BlockItemDatabase interface {
	BeginBatch(ctx context.Context) (Batch, error)
	BlockItem(hash common.Hash, key string) (serial.Value, bool)
	BlockItemsAtHeight(height uint64) []BlockItem
	BlockItemsByHeightAscending() []BlockItem
	HasBlockItem(hash common.Hash, key string) bool
}

// ActionAndID pairs a stored component side effect with its storage id.
type ActionAndID struct {
	ID     uuid.UUID
	Action serial.Value
}

// ActionDatabase is a durable FIFO set of outstanding side effects per
// component name.
type ActionDatabase interface {
	StoreActions(ctx context.Context, component string, actions []serial.Value) ([]ActionAndID, error)
	Actions(component string) []ActionAndID
	RemoveAction(ctx context.Context, component string, action ActionAndID) error
}

// AppointmentDatabase owns the accepted appointment records.
type AppointmentDatabase interface {
	SaveAppointment(ctx context.Context, a *appointment.Appointment) error
	Appointment(ctx context.Context, customer common.Address, id common.Hash) (*appointment.Appointment, error)
	AppointmentByID(ctx context.Context, id common.Hash) (*appointment.Appointment, error)
	Appointments(ctx context.Context) ([]*appointment.Appointment, error)
	AppointmentsByCustomer(ctx context.Context, customer common.Address) ([]*appointment.Appointment, error)
	DeleteAppointment(ctx context.Context, customer common.Address, id common.Hash) error
}

// HeadAccessDatabase persists the block processor's announced head.
type HeadAccessDatabase interface {
	SaveHeadInfo(ctx context.Context, head *eth1types.HeadInfo) error
	HeadInfo(ctx context.Context) (*eth1types.HeadInfo, error)
}

// Database is the full tower store.
type Database interface {
	io.Closer
	BlockItemDatabase
	ActionDatabase
	AppointmentDatabase
	HeadAccessDatabase

	DatabasePath() string
	ClearDB() error
	Backup(ctx context.Context, outputDir string, permissionOverride bool) error
}
