package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Mindburn-Labs/warrant/pkg/builtin"
	"github.com/Mindburn-Labs/warrant/pkg/consensus"
	"github.com/Mindburn-Labs/warrant/pkg/errorir"
	"github.com/Mindburn-Labs/warrant/pkg/executor"
	"github.com/Mindburn-Labs/warrant/pkg/receipt"
	"github.com/Mindburn-Labs/warrant/pkg/store"
)

// decode reads a JSON body into v, writing the error response itself.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			WriteBadRequest(w, "/", fmt.Sprintf("request body exceeds %d bytes", tooBig.Limit))
			return false
		}
		WriteBadRequest(w, "/", "malformed JSON body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"version":      s.version,
		"capabilities": s.exec.Registry().Len(),
		"active":       len(s.exec.Active()),
	})
}

func (s *Server) listCapabilities(w http.ResponseWriter, r *http.Request) {
	entries, err := s.exec.Registry().ExportSchema()
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"capabilities": entries})
}

func (s *Server) describeCapability(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, ok := s.exec.Registry().Lookup(id)
	if !ok {
		WriteError(w, errorir.New(errorir.KindNotFound, "capability %q is not registered", id).
			WithField("/id").WithCapability(id))
		return
	}
	entry, err := c.Describe()
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, entry)
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request) {
	var req executor.Request
	if !s.decode(w, r, &req) {
		return
	}
	if req.CapabilityID == "" {
		WriteBadRequest(w, "/capability_id", "capability_id is required")
		return
	}

	var (
		resp *executor.Response
		err  error
	)
	if s.pool != nil {
		resp, err = s.pool.Execute(r.Context(), req)
	} else {
		resp, err = s.exec.Execute(r.Context(), req)
	}
	if resp == nil {
		resp = &executor.Response{Err: errorir.From(err)}
		if errors.Is(err, executor.ErrPoolClosed) {
			resp.Err = errorir.New(errorir.KindInternal, "server is shutting down").WithClass(errorir.ClassRetriable)
		}
	}

	status := http.StatusOK
	if resp.Err != nil {
		status = resp.Err.HTTPStatus()
	}
	writeEnvelope(w, status, resp.Envelope(s.clock()))
}

func (s *Server) activeExecutions(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"executions": s.exec.Active()})
}

func (s *Server) cancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.exec.Cancel(id) {
		WriteNotFound(w, "/id", fmt.Sprintf("execution %q is not running", id))
		return
	}
	s.logger.InfoContext(r.Context(), "cancellation requested", "execution_id", id)
	WriteJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling", "execution_id": id})
}

type consensusRequest struct {
	RoundID   string           `json:"round_id,omitempty"`
	Votes     []consensus.Vote `json:"votes"`
	Quorum    float64          `json:"quorum,omitempty"`
	Deviation float64          `json:"deviation,omitempty"`
}

func (s *Server) consensus(w http.ResponseWriter, r *http.Request) {
	var req consensusRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Votes) == 0 {
		WriteBadRequest(w, "/votes", "at least one vote is required")
		return
	}
	if req.Quorum < 0 || req.Quorum > 1 {
		WriteBadRequest(w, "/quorum", "quorum must be within [0, 1]")
		return
	}
	opts := consensus.DefaultOptions()
	if req.Quorum > 0 {
		opts.Quorum = req.Quorum
	}
	if req.Deviation > 0 {
		opts.Deviation = req.Deviation
	}
	res := consensus.Validate(req.Votes, opts)

	if req.RoundID != "" && s.rounds != nil {
		if err := s.rounds.SaveRound(r.Context(), store.Round{ID: req.RoundID, Votes: req.Votes, Result: res}); err != nil {
			WriteInternal(w, r, err)
			return
		}
	}

	s.writeResult(w, res)
}

func (s *Server) writeResult(w http.ResponseWriter, res consensus.Result) {
	if err := res.Err(); err != nil {
		e := errorir.From(err)
		env := errorEnvelope(e, s.clock())
		env.Data = res
		writeEnvelope(w, e.HTTPStatus(), env)
		return
	}
	WriteJSON(w, http.StatusOK, executor.Envelope{Status: "success", Data: res})
}

func (s *Server) submitVote(w http.ResponseWriter, r *http.Request) {
	if s.votes == nil {
		WriteNotFound(w, "", "vote collection is not enabled")
		return
	}
	var v consensus.Vote
	if !s.decode(w, r, &v) {
		return
	}
	if v.ValidatorID == "" {
		WriteBadRequest(w, "/validator_id", "validator_id is required")
		return
	}
	round := chi.URLParam(r, "round")
	err := s.votes.Submit(r.Context(), round, v)
	switch {
	case errors.Is(err, consensus.ErrDuplicateVote):
		WriteError(w, errorir.New(errorir.KindValidation, "%s already voted in %s", v.ValidatorID, round).
			WithField("/validator_id"))
		return
	case errors.Is(err, consensus.ErrRoundClosed):
		WriteError(w, errorir.New(errorir.KindPreconditionFailed, "round %s is closed", round).WithField("/round"))
		return
	case err != nil:
		WriteInternal(w, r, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "round_id": round})
}

func (s *Server) closeRound(w http.ResponseWriter, r *http.Request) {
	if s.votes == nil {
		WriteNotFound(w, "", "vote collection is not enabled")
		return
	}
	round := chi.URLParam(r, "round")
	res, votes, err := s.votes.Close(r.Context(), round)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	if s.rounds != nil {
		if err := s.rounds.SaveRound(r.Context(), store.Round{ID: round, Votes: votes, Result: res}); err != nil {
			WriteInternal(w, r, err)
			return
		}
	}
	s.logger.InfoContext(r.Context(), "consensus round closed", "round_id", round, "passed", res.Passed, "votes", len(votes))
	s.writeResult(w, res)
}

func (s *Server) getReceipt(w http.ResponseWriter, r *http.Request) {
	if s.receipts == nil {
		WriteNotFound(w, "", "no receipt store configured")
		return
	}
	id := chi.URLParam(r, "id")
	rec, err := s.receipts.Get(r.Context(), id)
	if errors.Is(err, store.ErrReceiptNotFound) {
		WriteNotFound(w, "/id", fmt.Sprintf("no receipt for execution %q", id))
		return
	}
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) listReceipts(w http.ResponseWriter, r *http.Request) {
	if s.receipts == nil {
		WriteNotFound(w, "", "no receipt store configured")
		return
	}
	q := r.URL.Query()
	f := store.Filter{
		CapabilityID: q.Get("capability_id"),
		Status:       receipt.Status(q.Get("status")),
		SignerID:     q.Get("signer_id"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			WriteBadRequest(w, "/limit", "limit must be a positive integer")
			return
		}
		f.Limit = n
	}
	out, err := s.receipts.List(r.Context(), f)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	if out == nil {
		out = []receipt.Receipt{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"receipts": out})
}

type verifyRequest struct {
	Receipt  *receipt.Receipt  `json:"receipt,omitempty"`
	Receipts []receipt.Receipt `json:"receipts,omitempty"`
}

func (s *Server) verifyReceipts(w http.ResponseWriter, r *http.Request) {
	if s.keys == nil {
		WriteInternal(w, r, errors.New("no verification keys configured"))
		return
	}
	var req verifyRequest
	if !s.decode(w, r, &req) {
		return
	}
	rs := req.Receipts
	if req.Receipt != nil {
		if len(rs) > 0 {
			WriteBadRequest(w, "/receipts", "receipt and receipts are mutually exclusive")
			return
		}
		rs = []receipt.Receipt{*req.Receipt}
	}
	if len(rs) == 0 {
		WriteBadRequest(w, "/receipt", "receipt or receipts is required")
		return
	}
	WriteJSON(w, http.StatusOK, builtin.Check(s.keys, rs...))
}
