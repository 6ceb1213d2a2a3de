// Package db defines the ability to create a new database for the
// watchtower node.
package db

import (
	"context"

	"github.com/PISAresearch/pisa/tower/db/kv"
)

// NewDB initializes a new DB.
func NewDB(ctx context.Context, dirPath string) (Database, error) {
	return kv.NewKVStore(ctx, dirPath)
}
