package clientstats

import (
	"fmt"
	"io"
	"net/http"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type httpPoster struct {
	url    string
	client *http.Client
}

// NewClientStatsHTTPPostUpdater posts payloads to a client-stats API url.
func NewClientStatsHTTPPostUpdater(u string) Updater {
	return &httpPoster{url: u, client: http.DefaultClient}
}

func (p *httpPoster) Update(statsReader io.Reader) error {
	resp, err := p.client.Post(p.url, "application/json", statsReader)
	if err != nil {
		return errors.Wrapf(err, "could not post client stats to %s", p.url)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.WithError(err).Debug("Could not close client stats response body")
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, err := io.ReadAll(resp.Body)
		body := string(b)
		if err != nil {
			body = "(could not read response body)"
		}
		return fmt.Errorf("client stats endpoint responded with status=%d, body=%s", resp.StatusCode, body)
	}
	return nil
}

type genericWriterUpdater struct {
	w io.Writer
}

// NewGenericClientStatsUpdater copies payloads to a writer, used to mirror
// stats into logs or a file.
func NewGenericClientStatsUpdater(w io.Writer) Updater {
	return &genericWriterUpdater{w: w}
}

func (gw *genericWriterUpdater) Update(statsReader io.Reader) error {
	_, err := io.Copy(gw.w, statsReader)
	return err
}
