// Package backup exposes the database backup webhook served on the
// monitoring port, so operators snapshot the tower store without stopping
// the node.
package backup

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

// Exporter is the store-side half of the webhook.
type Exporter interface {
	Backup(ctx context.Context, outputDir string, permissionOverride bool) error
}

// Handler accepts requests to write a new database backup under outputDir.
// A permissionOverride query parameter loosens the backup directory mode.
func Handler(bk Exporter, outputDir string) func(http.ResponseWriter, *http.Request) {
	log := logrus.WithField("prefix", "db")

	return func(w http.ResponseWriter, r *http.Request) {
		log.Debug("Writing database backup from webhook")

		_, permissionOverride := r.URL.Query()["permissionOverride"]

		if err := bk.Backup(r.Context(), outputDir, permissionOverride); err != nil {
			log.WithError(err).Error("Could not write backup")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		if _, err := fmt.Fprint(w, "OK"); err != nil {
			log.WithError(err).Error("Could not write response")
		}
	}
}
