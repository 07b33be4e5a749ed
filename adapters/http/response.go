package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/artpar/tokenwatch/domain/alert"
	"github.com/artpar/tokenwatch/domain/anomaly"
	"github.com/artpar/tokenwatch/domain/metric"
	"github.com/artpar/tokenwatch/domain/settings"
	"github.com/artpar/tokenwatch/domain/usage"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
	maxBodyBytes = 1 << 20
)

// envelope wraps every API response.
type envelope struct {
	Status  string `json:"status"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// listData is the data of a paged list response.
type listData struct {
	Total int `json:"total"`
	Items any `json:"items"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeSuccess(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Status: "success", Data: data})
}

func writeList(w http.ResponseWriter, total int, items any) {
	writeSuccess(w, http.StatusOK, listData{Total: total, Items: items})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Status: "error", Message: message})
}

// writeServiceError maps a service error to a status code.
func writeServiceError(w http.ResponseWriter, err error) {
	var ve *metric.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusUnprocessableEntity, ve.Error())
	case errors.Is(err, alert.ErrNotFound),
		errors.Is(err, anomaly.ErrNotFound),
		errors.Is(err, metric.ErrMetadataNotFound),
		errors.Is(err, settings.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// readBody reads a bounded request body.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, errBadRequest("request body is required")
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, errBadRequest("failed to read request body")
	}
	if len(body) > maxBodyBytes {
		return nil, errBadRequest("request body too large")
	}
	return body, nil
}

// badRequest is a client error reported as HTTP 400.
type badRequest struct {
	message string
}

func (e *badRequest) Error() string { return e.message }

func errBadRequest(format string, args ...any) error {
	return &badRequest{message: fmt.Sprintf(format, args...)}
}

// writeRequestError reports a malformed request, or falls back to service mapping.
func writeRequestError(w http.ResponseWriter, err error) {
	var br *badRequest
	if errors.As(err, &br) {
		writeError(w, http.StatusBadRequest, br.message)
		return
	}
	writeServiceError(w, err)
}

// -----------------------------------------------------------------------------
// Query parameters
// -----------------------------------------------------------------------------

type queryParams struct {
	r   *http.Request
	err error
}

func params(r *http.Request) *queryParams {
	return &queryParams{r: r}
}

func (p *queryParams) str(name string) string {
	return p.r.URL.Query().Get(name)
}

func (p *queryParams) time(name string) time.Time {
	s := p.str(name)
	if s == "" || p.err != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		p.err = errBadRequest("invalid %s: want RFC3339", name)
		return time.Time{}
	}
	return t.UTC()
}

func (p *queryParams) date(name string) time.Time {
	s := p.str(name)
	if s == "" || p.err != nil {
		return time.Time{}
	}
	d, err := usage.ParseDate(s)
	if err != nil {
		p.err = errBadRequest("invalid %s: want YYYY-MM-DD", name)
		return time.Time{}
	}
	return d
}

func (p *queryParams) int(name string, def int) int {
	s := p.str(name)
	if s == "" || p.err != nil {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		p.err = errBadRequest("invalid %s: want a non-negative integer", name)
		return def
	}
	return v
}

func (p *queryParams) boolPtr(name string) *bool {
	s := p.str(name)
	if s == "" || p.err != nil {
		return nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		p.err = errBadRequest("invalid %s: want true or false", name)
		return nil
	}
	return &v
}

// page returns limit and offset, capping the limit.
func (p *queryParams) page() (limit, offset int) {
	limit = p.int("limit", defaultLimit)
	if limit == 0 || limit > maxLimit {
		limit = maxLimit
	}
	return limit, p.int("offset", 0)
}

func (p *queryParams) filter() metric.Filter {
	return metric.Filter{
		Provider:    p.str("provider"),
		Model:       p.str("model"),
		Application: p.str("application"),
		Environment: p.str("environment"),
	}
}
