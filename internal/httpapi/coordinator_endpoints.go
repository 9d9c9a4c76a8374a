package httpapi

import (
	"errors"
	"net/http"
	"time"

	"pkt.systems/tpcd/api"
	"pkt.systems/tpcd/internal/failpoint"
	"pkt.systems/tpcd/internal/failure"
	"pkt.systems/tpcd/internal/loggingutil"
	"pkt.systems/tpcd/internal/qrf"
)

// maxStepDownHold caps the hold a caller may request.
const maxStepDownHold = time.Hour

func (h *Handler) handleCoordinateCommit(w http.ResponseWriter, r *http.Request) error {
	var req api.CoordinateCommitRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if err := validateTxn(req.Txn); err != nil {
		return err
	}
	release, err := h.admit(r.Context(), qrf.KindCoordinate)
	if err != nil {
		return err
	}
	defer release()
	resp, err := h.cfg.Router.CoordinateCommit(r.Context(), req.Txn, req.Participants)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleCoordinators(w http.ResponseWriter, _ *http.Request) error {
	writeJSON(w, http.StatusOK, h.cfg.Catalog.List(), nil)
	return nil
}

func (h *Handler) handleDocuments(w http.ResponseWriter, r *http.Request) error {
	records, err := h.cfg.Log.ScanAll(r.Context())
	if err != nil {
		return storageFailure(err)
	}
	resp := api.CoordinatorDocumentsResponse{Documents: make([]api.CoordinatorDocument, 0, len(records))}
	for _, rec := range records {
		resp.Documents = append(resp.Documents, rec.API())
	}
	writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleHAStatus(w http.ResponseWriter, _ *http.Request) error {
	writeJSON(w, http.StatusOK, h.cfg.Lease.Status(), nil)
	return nil
}

func (h *Handler) handleStepDown(w http.ResponseWriter, r *http.Request) error {
	var req api.StepDownRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if req.HoldSeconds < 0 {
		return failure.New(api.CodeInvalidRequest, "hold_seconds must not be negative")
	}
	secs := min(req.HoldSeconds, int64(maxStepDownHold/time.Second))
	hold := time.Duration(secs) * time.Second
	was, until := h.cfg.Lease.StepDown(r.Context(), hold)
	loggingutil.FromContext(r.Context(), h.logger).Info("admin.stepdown", "was_primary", was, "hold", hold)
	writeJSON(w, http.StatusOK, api.StepDownResponse{SteppedDown: was, HoldUntilUnix: until.Unix()}, nil)
	return nil
}

func (h *Handler) failpointsEnabled() error {
	if h.cfg.DisableFailpoints || h.cfg.Failpoints == nil {
		return failure.New(api.CodeFailpointsDisabled, "failpoints are disabled on this node")
	}
	return nil
}

func (h *Handler) handleFailpointsList(w http.ResponseWriter, _ *http.Request) error {
	if err := h.failpointsEnabled(); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, api.FailpointResponse{Active: h.cfg.Failpoints.Active()}, nil)
	return nil
}

func (h *Handler) handleFailpointsSet(w http.ResponseWriter, r *http.Request) error {
	if err := h.failpointsEnabled(); err != nil {
		return err
	}
	var req api.FailpointRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	mode, err := failpoint.ParseMode(req.Mode)
	if err != nil {
		return failure.New(api.CodeInvalidRequest, "%v", err)
	}
	if err := h.cfg.Failpoints.Enable(req.Name, mode); err != nil {
		if errors.Is(err, failpoint.ErrUnknown) {
			return failure.New(api.CodeInvalidRequest, "unknown failpoint %q, known: %v", req.Name, failpoint.Names())
		}
		return err
	}
	loggingutil.FromContext(r.Context(), h.logger).Info("admin.failpoint.set", "name", req.Name, "mode", mode.String())
	writeJSON(w, http.StatusOK, api.FailpointResponse{Active: h.cfg.Failpoints.Active()}, nil)
	return nil
}
