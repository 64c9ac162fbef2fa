// Package apiserver is the outer host's request ingress surface: it
// exposes core.Validator's schedule/summary/finalize operations over a
// small chi-routed HTTP API, grounded on the teacher's walletserver (a
// router, a logrus request-logging middleware, and JSON in/out handlers).
// It is deliberately thin — it does not verify signatures or discover
// peers, matching spec §6's "the core does not parse wire formats" and
// §1's networking/gossip boundary.
package apiserver

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/ofekshochat/teral/core"
)

// Server wires a core.Validator into an HTTP mux.
type Server struct {
	validator *core.Validator
	opts      core.ValidatorOptions
	log       *logrus.Logger
	mux       chi.Router
}

func New(validator *core.Validator, opts core.ValidatorOptions, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{validator: validator, opts: opts, log: log}
	r := chi.NewRouter()
	r.Use(s.logRequest)
	r.Post("/contracts/schedule", s.handleSchedule)
	r.Post("/blocks/finalize", s.handleFinalize)
	s.mux = r
	return s
}

func (s *Server) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, s.mux)
}

// logRequest mirrors the teacher's walletserver middleware.Logger:
// timestamp the request, run the handler, log method/path/duration.
func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Infof("%s %s %s", r.Method, r.RequestURI, time.Since(start))
	})
}

// scheduleRequest is the wire form of a ContractRequest: the outer host
// has already verified the signature attached to this payload elsewhere
// (per spec §1/§6) by the time it reaches this handler, so Author here is
// simply the already-verified 32-byte public key, base64-encoded.
type scheduleRequest struct {
	Author       string         `json:"author"`
	ContractName string         `json:"contract_name"`
	MethodName   string         `json:"method_name"`
	Args         map[string]any `json:"args"`
}

type scheduleResponse struct {
	ID int64 `json:"id"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	authorBytes, err := base64.StdEncoding.DecodeString(req.Author)
	if err != nil || len(authorBytes) != 32 {
		http.Error(w, "author must be a base64-encoded 32-byte key", http.StatusBadRequest)
		return
	}
	var author [32]byte
	copy(author[:], authorBytes)

	id := s.validator.ScheduleContract(author, req.ContractName, req.MethodName, core.Args(req.Args))
	writeJSON(w, scheduleResponse{ID: id})
}

type finalizeResponse struct {
	Digest   string              `json:"digest"`
	Time     int64               `json:"time"`
	Receipts []core.ChainReceipt `json:"receipts"`
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	block, _, err := s.validator.FinalizeBlock(s.opts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, finalizeResponse{
		Digest:   base64.StdEncoding.EncodeToString(block.Digest[:]),
		Time:     block.Time,
		Receipts: block.Receipts,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
