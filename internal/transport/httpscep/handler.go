// Package httpscep is the HTTP transport shim for the SCEP core: it knows
// nothing about CMS, PKCS#7, or certificate issuance, only how to pull an
// operation name and a message out of an HTTP request and hand the result
// of dispatcher.Dispatcher back out as headers and a body (spec.md §6).
package httpscep

import (
	"encoding/base64"
	"io"
	"log"
	"net/http"
	"strings"

	"scepca/internal/dispatcher"
)

// Dispatcher is the subset of *dispatcher.Dispatcher the transport depends
// on, so tests can substitute a fake.
type Dispatcher interface {
	GetCACert() *dispatcher.Response
	GetCACaps() *dispatcher.Response
	PKIOperation(raw []byte) *dispatcher.Response
}

// Handler routes the three equivalent SCEP endpoint paths to a Dispatcher.
type Handler struct {
	d Dispatcher
}

// New constructs a Handler.
func New(d Dispatcher) *Handler { return &Handler{d: d} }

// RegisterRoutes registers the handler under every path SCEP clients are
// known to probe (spec.md §6).
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/", h)
	mux.Handle("/scep", h)
	mux.Handle("/cgi-bin/pkiclient.exe", h)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	op := r.URL.Query().Get("operation")

	var resp *dispatcher.Response
	switch op {
	case "GetCACert":
		resp = h.d.GetCACert()
	case "GetCACaps":
		resp = h.d.GetCACaps()
	case "PKIOperation":
		raw, err := readMessage(r)
		if err != nil {
			log.Printf("httpscep: %v", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		resp = h.d.PKIOperation(raw)
	default:
		// spec.md §7: unrecognized operation is a 404, not a 400 — matches
		// the reference implementation's abort(404, 'unknown SCEP operation').
		http.Error(w, "unknown SCEP operation", http.StatusNotFound)
		return
	}

	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

// readMessage extracts the raw SCEP message bytes for a PKIOperation
// request: the query parameter "message" on GET, the request body on POST.
// net/http already de-chunks a Transfer-Encoding: chunked body before the
// handler sees it, so the POST path needs no special handling for that
// (spec.md §6 scenario 6).
func readMessage(r *http.Request) ([]byte, error) {
	if r.Method == http.MethodPost {
		defer r.Body.Close()
		return io.ReadAll(r.Body)
	}

	// GET: base64 message arrives in the raw query string. Some clients
	// emit literal '+' where '%2B' belongs; by the time net/url has
	// decoded the query string those have already become spaces, so
	// restore them before decoding (spec.md §6).
	msg := r.URL.Query().Get("message")
	msg = strings.ReplaceAll(msg, " ", "+")
	return base64.StdEncoding.DecodeString(msg)
}
