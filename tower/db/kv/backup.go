package kv

import (
	"context"
	"fmt"
	"os"
	"path"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.opencensus.io/trace"
)

const backupsDirectoryName = "backups"

// Backup copies every bucket into a fresh bolt file under outputDir/backups,
// named after the head block at the time of the copy. An empty outputDir
// backs up next to the live database. permissionOverride widens the backups
// directory to group and world readable for operators exporting from a
// shared host.
func (s *Store) Backup(ctx context.Context, outputDir string, permissionOverride bool) error {
	ctx, span := trace.StartSpan(ctx, "towerDB.Backup")
	defer span.End()

	baseDir := outputDir
	if baseDir == "" {
		baseDir = s.databasePath
	}
	backupsDir := path.Join(baseDir, backupsDirectoryName)
	perm := os.FileMode(0700)
	if permissionOverride {
		perm = 0755
	}
	if err := os.MkdirAll(backupsDir, perm); err != nil {
		return err
	}

	var height uint64
	if info, err := s.HeadInfo(ctx); err == nil && info != nil {
		height = info.Number
	}
	backupPath := path.Join(backupsDir, fmt.Sprintf("watchtower_db_at_block_%09d.backup", height))
	log.WithField("backup", backupPath).Info("Writing backup database")

	copyDB, err := bolt.Open(backupPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return err
	}
	defer func() {
		if err := copyDB.Close(); err != nil {
			log.WithError(err).Error("Could not close backup database")
		}
	}()

	return s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			log.Debugf("Copying bucket %s", name)
			return copyDB.Update(func(tx2 *bolt.Tx) error {
				b2, err := tx2.CreateBucketIfNotExists(name)
				if err != nil {
					return err
				}
				return b.ForEach(b2.Put)
			})
		})
	})
}
