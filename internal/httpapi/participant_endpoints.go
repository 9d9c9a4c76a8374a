package httpapi

import (
	"context"
	"net/http"
	"strings"

	"pkt.systems/tpcd/api"
	"pkt.systems/tpcd/internal/failure"
	"pkt.systems/tpcd/internal/qrf"
)

func (h *Handler) handlePrepare(w http.ResponseWriter, r *http.Request) error {
	var req api.PrepareRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if err := validateTxn(req.Txn); err != nil {
		return err
	}
	resp, err := h.cfg.Shard.Prepare(r.Context(), req.Txn)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleCommit(w http.ResponseWriter, r *http.Request) error {
	var req api.CommitRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if err := validateTxn(req.Txn); err != nil {
		return err
	}
	if req.CommitTS == 0 {
		return failure.New(api.CodeInvalidRequest, "commit_ts required")
	}
	resp, err := h.cfg.Shard.Commit(r.Context(), req.Txn, req.CommitTS)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleAbort(w http.ResponseWriter, r *http.Request) error {
	return h.abort(w, r, h.cfg.Shard.Abort)
}

func (h *Handler) handleAbortLocal(w http.ResponseWriter, r *http.Request) error {
	return h.abort(w, r, h.cfg.Shard.AbortLocal)
}

func (h *Handler) abort(w http.ResponseWriter, r *http.Request, fn func(context.Context, api.TxnID) (api.AckResponse, error)) error {
	var req api.AbortRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if err := validateTxn(req.Txn); err != nil {
		return err
	}
	resp, err := fn(r.Context(), req.Txn)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleStage(w http.ResponseWriter, r *http.Request) error {
	var req api.StageRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	release, err := h.admit(r.Context(), qrf.KindStage)
	if err != nil {
		return err
	}
	defer release()
	resp, err := h.cfg.Shard.Stage(r.Context(), req.Txn, req.Key, req.Value)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request) error {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		return failure.New(api.CodeInvalidRequest, "key required")
	}
	doc, ok := h.cfg.Shard.Read(key)
	if !ok {
		return failure.New(api.CodeNotFound, "no document at %q on participant %s", key, h.cfg.Shard.ID())
	}
	writeJSON(w, http.StatusOK, doc, nil)
	return nil
}

func (h *Handler) handleTxns(w http.ResponseWriter, _ *http.Request) error {
	writeJSON(w, http.StatusOK, h.cfg.Shard.Txns(), nil)
	return nil
}
