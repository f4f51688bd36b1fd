package engine

import (
	"log/slog"
	"time"

	"github.com/BadgerOps/edirelay/internal/store"
)

// history persists a run and its file outcomes when a store is attached.
// Store failures are logged and never affect the transfer itself.
type history struct {
	store  *store.Store
	run    *store.TransferRun
	logger *slog.Logger
}

func startHistory(st *store.Store, direction, runID string, start time.Time, logger *slog.Logger) *history {
	h := &history{store: st, logger: logger}
	if st == nil {
		return h
	}

	run := &store.TransferRun{
		RunID:     runID,
		Direction: direction,
		StartTime: start,
		Status:    store.StatusRunning,
	}
	if err := st.CreateRun(run); err != nil {
		logger.Error("failed to create run record", "error", err)
		return h
	}
	h.run = run
	return h
}

func (h *history) file(partnerID, name string, state FileState, success bool, err error) {
	if h.run == nil {
		return
	}

	rec := &store.TransferFile{
		RunID:     h.run.ID,
		PartnerID: partnerID,
		FileName:  name,
		State:     string(state),
		Success:   success,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if err := h.store.AddFile(rec); err != nil {
		h.logger.Error("failed to record file outcome", "file", name, "error", err)
	}
}

func (h *history) finish(ok, failed int, runErr error, end time.Time) {
	if h.run == nil {
		return
	}

	h.run.EndTime = end
	h.run.FilesOK = ok
	h.run.FilesFailed = failed
	h.run.Status = runStatus(ok, failed, runErr)
	if runErr != nil {
		h.run.ErrorMessage = runErr.Error()
	}
	if err := h.store.UpdateRun(h.run); err != nil {
		h.logger.Error("failed to update run record", "error", err)
	}
}

func runStatus(ok, failed int, runErr error) string {
	switch {
	case runErr != nil:
		return store.StatusFailed
	case failed == 0:
		return store.StatusSuccess
	case ok == 0:
		return store.StatusFailed
	default:
		return store.StatusPartial
	}
}
