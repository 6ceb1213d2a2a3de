package prometheus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/golang/gddo/httputil"
)

const (
	contentTypePlainText = "text/plain"
	contentTypeJSON      = "application/json"
)

// generatedResponse is the envelope monitoring handlers reply with.
type generatedResponse struct {
	// Err is the protocol error, if any.
	Err string `json:"error"`

	// Data is the handler output, if any.
	Data interface{} `json:"data"`
}

// negotiateContentType parses the Accept header and returns the preferred
// content type, defaulting to plain text.
func negotiateContentType(r *http.Request) string {
	contentTypes := []string{
		contentTypePlainText,
		contentTypeJSON,
	}
	return httputil.NegotiateContentType(r, contentTypes, contentTypePlainText)
}

// writeResponse renders the response in the client's preferred content type.
// It owns the status line because headers must be set before it is written.
func writeResponse(w http.ResponseWriter, r *http.Request, status int, response generatedResponse) error {
	switch negotiateContentType(r) {
	case contentTypePlainText:
		buf, ok := response.Data.(bytes.Buffer)
		if !ok {
			return fmt.Errorf("unexpected data: %v", response.Data)
		}
		w.Header().Set("Content-Type", contentTypePlainText)
		w.WriteHeader(status)
		if _, err := w.Write(buf.Bytes()); err != nil {
			return fmt.Errorf("could not write response body: %w", err)
		}
	case contentTypeJSON:
		if buf, ok := response.Data.(bytes.Buffer); ok {
			response.Data = buf.String()
		}
		w.Header().Set("Content-Type", contentTypeJSON)
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(response); err != nil {
			return err
		}
	}
	return nil
}
