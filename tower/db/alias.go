package db

import "github.com/PISAresearch/pisa/tower/db/iface"

// BlockItemDatabase exposes the block-indexed portion of the backend.
type BlockItemDatabase = iface.BlockItemDatabase

// ActionDatabase exposes the per-component durable action queues.
type ActionDatabase = iface.ActionDatabase

// AppointmentDatabase exposes customer appointment storage.
type AppointmentDatabase = iface.AppointmentDatabase

// HeadAccessDatabase exposes the persisted chain head record.
type HeadAccessDatabase = iface.HeadAccessDatabase

// Database defines the watchtower's full database interface, which may be
// implemented by any key-value or relational database in practice.
type Database = iface.Database
