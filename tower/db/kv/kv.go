// Package kv implements the tower's persistent store over bolt: the
// transactional block-item store shared by the cache and the reducer
// framework, the action store, the appointment store, and the block
// processor's head record.
package kv

import (
	"context"
	"os"
	"path"
	"sync"
	"time"

	"github.com/PISAresearch/pisa/encoding/serial"
	"github.com/PISAresearch/pisa/tower/db/iface"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	prombbolt "github.com/prysmaticlabs/prombbolt"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var _ iface.Database = (*Store)(nil)

// WatchtowerDbDirName is the name of the directory containing the watchtower
// database, nested under the node's data directory.
const WatchtowerDbDirName = "watchtowerdata"

const databaseFileName = "watchtower.db"

// Store implements the tower Database interface using bolt as the underlying
// persistent kv-store. The block-item and action namespaces keep an
// in-memory view loaded at open, so reads never touch disk and writes reach
// both the view and bolt atomically with respect to readers.
type Store struct {
	db           *bolt.DB
	databasePath string

	itemsMu  sync.RWMutex
	items    map[itemRef]serial.Value
	byHeight map[uint64]map[itemRef]struct{}

	batchMu    sync.Mutex
	batchHeld  bool
	batchQueue []chan struct{}

	actionsMu sync.Mutex
	actions   map[string][]iface.ActionAndID
}

// NewKVStore initializes a new bolt kv-store at the directory path, creates
// the buckets of the schema, and loads the in-memory views. A decoding
// failure while loading is returned as-is: a store that cannot be read back
// must stop the process rather than run with partial state.
func NewKVStore(ctx context.Context, dirPath string) (*Store, error) {
	if err := os.MkdirAll(dirPath, 0700); err != nil {
		return nil, err
	}
	datafile := path.Join(dirPath, databaseFileName)
	boltDB, err := bolt.Open(datafile, 0600, &bolt.Options{Timeout: 1 * time.Second, InitialMmapSize: 10e6})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, errors.New("cannot obtain database lock, database may be in use by another process")
		}
		return nil, err
	}

	kv := &Store{
		db:           boltDB,
		databasePath: dirPath,
		items:        make(map[itemRef]serial.Value),
		byHeight:     make(map[uint64]map[itemRef]struct{}),
		actions:      make(map[string][]iface.ActionAndID),
	}

	if err := kv.db.Update(func(tx *bolt.Tx) error {
		return createBuckets(
			tx,
			blockItemBucket,
			actionBucket,
			appointmentBucket,
			appointmentIdxBucket,
			processorBucket,
		)
	}); err != nil {
		return nil, err
	}
	if err := kv.loadBlockItems(ctx); err != nil {
		return nil, err
	}
	if err := kv.loadActions(ctx); err != nil {
		return nil, err
	}

	if info, statErr := os.Stat(datafile); statErr == nil {
		log.WithFields(logrus.Fields{
			"path": datafile,
			"size": humanize.Bytes(uint64(info.Size())),
		}).Info("Opened tower database")
	}

	err = prometheus.Register(createBoltCollector(kv.db))
	return kv, err
}

// ClearDB removes the previously stored database in the data directory.
func (s *Store) ClearDB() error {
	if _, err := os.Stat(s.databasePath); os.IsNotExist(err) {
		return nil
	}
	prometheus.Unregister(createBoltCollector(s.db))
	return os.Remove(path.Join(s.databasePath, databaseFileName))
}

// Close closes the underlying bolt database.
func (s *Store) Close() error {
	prometheus.Unregister(createBoltCollector(s.db))
	return s.db.Close()
}

// DatabasePath at which this database writes files.
func (s *Store) DatabasePath() string {
	return s.databasePath
}

func createBuckets(tx *bolt.Tx, buckets ...[]byte) error {
	for _, bucket := range buckets {
		if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
			return err
		}
	}
	return nil
}

// createBoltCollector returns a prometheus collector specifically configured
// for boltdb.
func createBoltCollector(db *bolt.DB) prometheus.Collector {
	return prombbolt.New("boltDB", db)
}
