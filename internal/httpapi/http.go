// Package httpapi serves queue operations over HTTP: PUT /{queue} stores an
// item, GET /{queue} peeks at the head and DELETE /{queue} pops it.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/nuetzliches/dtqueue/internal/queue"
)

const maxBodyBytes = 1 << 20

type Server struct {
	Store     queue.Store
	Authorize Authorizer
	Workers   Limiter
	Logger    *zap.Logger
}

func NewServer(store queue.Store) *Server {
	return &Server{Store: store}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPut, http.MethodGet, http.MethodDelete:
	default:
		w.Header().Set("Allow", "GET, PUT, DELETE")
		writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "method must be GET, PUT or DELETE")
		return
	}

	if s.Authorize != nil && !s.Authorize(r) {
		writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "request is not authorized")
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/")
	switch r.Method {
	case http.MethodPut:
		s.handlePut(w, r, name)
	case http.MethodGet:
		item, ok, opErr := s.Get(r.Context(), name)
		writeResult(w, item, ok, opErr)
	case http.MethodDelete:
		item, ok, opErr := s.Delete(r.Context(), name)
		writeResult(w, item, ok, opErr)
	}
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request, name string) {
	// An unknown queue wins over a malformed body.
	if opErr := s.CheckQueue(name); opErr != nil {
		writeOpError(w, opErr)
		return
	}

	var item queue.Item
	if r.Body == nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "request body is required")
		return
	}
	if !decodeJSONBodyStrict(w, r, &item) {
		return
	}
	if opErr := s.Put(r.Context(), name, item); opErr != nil {
		writeOpError(w, opErr)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeResult(w http.ResponseWriter, item queue.Item, ok bool, opErr *OpError) {
	if opErr != nil {
		writeOpError(w, opErr)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	body, err := json.Marshal(item)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "encode item: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func decodeJSONBodyStrict(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "request body is required")
			return false
		}
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Failed to parse request body: "+err.Error())
		return false
	}

	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		if err == nil {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Failed to parse request body: trailing JSON document is not allowed")
			return false
		}
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Failed to parse request body: "+err.Error())
		return false
	}
	return true
}

type errorResponse struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func writeOpError(w http.ResponseWriter, opErr *OpError) {
	writeError(w, opErr.StatusCode, opErr.Code, opErr.Detail)
}

func writeError(w http.ResponseWriter, status int, code string, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Code:   code,
		Detail: detail,
	})
}
