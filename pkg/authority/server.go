// Copyright Akuzo ApS and/or licensed to Akuzo ApS under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package authority

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	pkgerrors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/akuzo/cacsi/pkg/authority/api"
	"github.com/akuzo/cacsi/pkg/certificates"
	"github.com/akuzo/cacsi/pkg/dev"
	ulog "github.com/akuzo/cacsi/pkg/utils/log"
	"github.com/akuzo/cacsi/pkg/utils/metrics"
)

const (
	shutdownTimeout = 5 * time.Second
)

var log = ulog.Log.WithName("authority-server")

// Server exposes an Authority over HTTP.
type Server struct {
	*http.Server

	authority *Authority
}

// NewServer creates a Server for the given Authority, listening on addr once
// started.
func NewServer(authority *Authority, addr string) *Server {
	s := Server{
		authority: authority,
	}

	router := mux.NewRouter()
	router.Use(s.requestContext)

	router.HandleFunc("/v1/certificates", s.handleIssue).Methods(http.MethodPost)
	router.HandleFunc("/v1/certificates/{id}", s.handleInfo).Methods(http.MethodGet)
	router.HandleFunc("/v1/certificates/{id}", s.handleRevoke).Methods(http.MethodDelete)
	router.HandleFunc("/v1/certificates/{id}/renew", s.handleRenew).Methods(http.MethodPost)
	router.HandleFunc("/v1/ca/reload", s.handleReload).Methods(http.MethodPost)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	if dev.Enabled {
		router.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		router.HandleFunc("/debug/pprof/profile", pprof.Profile)
		router.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		router.HandleFunc("/debug/pprof/trace", pprof.Trace)
		router.PathPrefix("/debug/pprof/").HandlerFunc(pprof.Index)
	}

	s.Server = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return &s
}

// Start serves requests until ctx is cancelled, then drains in-flight
// requests before returning.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server", "address", s.Addr)
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return pkgerrors.Wrap(err, "while serving HTTP")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// requestContext tags each request with an ID and stores a request-scoped
// logger in the context for the handlers to use.
func (s *Server) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqLog := log.WithValues("request_id", uuid.New().String())
		reqLog.V(1).Info("Handling request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(ulog.IntoContext(r.Context(), reqLog)))
	})
}

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req api.IssueCertificateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, api.CodeInvalidArgument, pkgerrors.Wrap(err, "can't decode request body"))
		return
	}

	resp, err := s.authority.IssueCertificate(r.Context(), req)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	// An empty body means the default validity.
	var req api.RenewCertificateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, api.CodeInvalidArgument, pkgerrors.Wrap(err, "can't decode request body"))
		return
	}

	resp, err := s.authority.RenewCertificate(r.Context(), mux.Vars(r)["id"], req.ValidityDays)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	revoked := s.authority.RevokeCertificate(r.Context(), mux.Vars(r)["id"])
	writeJSON(w, r, http.StatusOK, api.RevokeCertificateResponse{Revoked: revoked})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	resp, err := s.authority.CertificateInfo(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.authority.ReloadCA(r.Context()); err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.authority.Ready() {
		writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// HTTP utilities

// writeFailure maps err to an HTTP status and error code, then writes the
// error response.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, api.CodeInternal
	switch {
	case errors.Is(err, certificates.ErrInvalidParams):
		status, code = http.StatusBadRequest, api.CodeInvalidArgument
	case errors.Is(err, ErrUnknownCertificate):
		status, code = http.StatusNotFound, api.CodeNotFound
	case errors.Is(err, certificates.ErrNotLoaded):
		status, code = http.StatusServiceUnavailable, api.CodeNotLoaded
	}
	writeError(w, r, status, code, err)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code api.ErrorCode, err error) {
	ulog.FromContext(r.Context()).V(1).Info("Request failed", "status", status, "code", string(code), "reason", err.Error())
	writeJSON(w, r, status, api.ErrorResponse{Error: api.ErrorDetail{Code: code, Message: err.Error()}})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		ulog.FromContext(r.Context()).Error(err, "Failed to write response body")
	}
}
