package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BadgerOps/edirelay/internal/metrics"
	"github.com/BadgerOps/edirelay/internal/partner"
	"github.com/BadgerOps/edirelay/internal/safety"
	"github.com/BadgerOps/edirelay/internal/store"
	"github.com/BadgerOps/edirelay/internal/transport"
	"github.com/google/uuid"
)

// PartnerResult summarizes one partner within an inbound run.
type PartnerResult struct {
	PartnerID  string
	Downloaded int
	Failed     int
	// Err is set when the partner could not be processed at all
	// (connection, directory or listing failure).
	Err error
}

// InboundReport is the result of Inbound.Run.
type InboundReport struct {
	RunID      string
	StartTime  time.Time
	EndTime    time.Time
	Partners   []PartnerResult
	Downloaded int
	Failed     int
}

// Inbound retrieves new files from every enabled partner into the drop-off
// folder and marks them processed on the remote side.
type Inbound struct {
	registry *partner.Registry
	dialer   transport.Dialer
	dropoff  string
	logger   *slog.Logger

	store   *store.Store
	metrics *metrics.Metrics
}

// NewInbound creates an inbound engine.
func NewInbound(registry *partner.Registry, dialer transport.Dialer, dropoff string, logger *slog.Logger) *Inbound {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inbound{
		registry: registry,
		dialer:   dialer,
		dropoff:  dropoff,
		logger:   logger,
	}
}

// SetStore attaches run history persistence.
func (e *Inbound) SetStore(st *store.Store) { e.store = st }

// SetMetrics attaches metrics collection.
func (e *Inbound) SetMetrics(m *metrics.Metrics) { e.metrics = m }

// Run processes every enabled partner once, in configuration order. Partner
// and file failures are logged and counted; the returned error is reserved
// for problems that stop the whole run.
func (e *Inbound) Run(ctx context.Context) (*InboundReport, error) {
	report := &InboundReport{
		RunID:     uuid.NewString(),
		StartTime: time.Now(),
	}
	log := e.logger.With("run_id", report.RunID, "direction", store.DirectionInbound)

	if err := os.MkdirAll(e.dropoff, 0755); err != nil {
		return nil, fmt.Errorf("creating drop-off folder: %w", err)
	}

	partners := e.registry.Enabled()
	if len(partners) == 0 {
		log.Info("no enabled partners found")
	} else {
		log.Info("processing enabled partners", "count", len(partners))
	}

	hist := startHistory(e.store, store.DirectionInbound, report.RunID, report.StartTime, log)

	var runErr error
	for _, p := range partners {
		if err := ctx.Err(); err != nil {
			runErr = fmt.Errorf("inbound run interrupted: %w", err)
			break
		}

		res := e.processPartner(ctx, p, log, hist)
		report.Partners = append(report.Partners, res)
		report.Downloaded += res.Downloaded
		report.Failed += res.Failed
		if res.Err != nil {
			report.Failed++
		}
	}

	report.EndTime = time.Now()
	hist.finish(report.Downloaded, report.Failed, runErr, report.EndTime)
	e.metrics.RunFinished(store.DirectionInbound, report.EndTime)

	log.Info("processing complete",
		"downloaded", report.Downloaded,
		"failed", report.Failed,
		"duration", report.EndTime.Sub(report.StartTime).Round(time.Millisecond),
	)

	return report, runErr
}

// processPartner retrieves new files from one partner. The session is
// always closed before returning.
func (e *Inbound) processPartner(ctx context.Context, p partner.Partner, log *slog.Logger, hist *history) PartnerResult {
	res := PartnerResult{PartnerID: p.ID}
	plog := log.With("partner", p.ID, "partner_name", p.Name)
	plog.Info("processing partner", "protocol", string(p.Protocol), "host", p.Host)

	sess, err := e.dialer.Dial(ctx, p.Endpoint())
	if err != nil {
		plog.Error("connection failed", "error", err)
		e.metrics.PartnerError(store.DirectionInbound, p.ID)
		res.Err = err
		return res
	}
	defer sess.Close()

	if p.InboundPath != "" {
		if err := sess.ChangeDir(p.InboundPath); err != nil {
			plog.Error("cannot open inbound directory", "path", p.InboundPath, "error", err)
			e.metrics.PartnerError(store.DirectionInbound, p.ID)
			res.Err = err
			return res
		}
	}

	names, err := sess.List()
	if err != nil {
		plog.Error("listing remote files failed", "error", err)
		e.metrics.PartnerError(store.DirectionInbound, p.ID)
		res.Err = err
		return res
	}
	plog.Info("found remote files", "count", len(names))

	for _, name := range names {
		if ctx.Err() != nil {
			plog.Warn("run interrupted, remaining files left for next run")
			break
		}
		if strings.HasPrefix(name, ProcessedPrefix) {
			plog.Debug("skipping already processed file", "file", name)
			continue
		}

		state, err := e.retrieve(sess, name, plog)
		switch state {
		case StateDownloaded, StateMarked:
			res.Downloaded++
			e.metrics.Downloaded(p.ID)
			hist.file(p.ID, name, state, true, err)
		default:
			res.Failed++
			e.metrics.Failed(store.DirectionInbound, "fetch")
			hist.file(p.ID, name, state, false, err)
		}
	}

	plog.Info("partner complete", "downloaded", res.Downloaded, "failed", res.Failed)
	return res
}

// retrieve downloads one remote file and marks it processed. It returns the
// last state reached; StateDownloaded with a non-nil error means the mark
// failed and the file will be fetched again on the next run.
func (e *Inbound) retrieve(sess transport.Session, name string, log *slog.Logger) (FileState, error) {
	flog := log.With("file", name)

	if _, err := safety.FileName(name); err != nil {
		flog.Error("refusing unsafe remote file name", "error", err)
		return StateListed, err
	}

	localPath := filepath.Join(e.dropoff, name)
	if err := sess.Fetch(name, localPath); err != nil {
		flog.Error("download failed", "error", err)
		return StateListed, err
	}
	flog.Info("downloaded file", "local_path", localPath)

	marked := ProcessedPrefix + name
	if err := sess.Rename(name, marked); err != nil {
		e.metrics.Failed(store.DirectionInbound, "mark")
		flog.Error("failed to mark remote file as processed, it will be downloaded again",
			"new_name", marked, "duplicate_risk", true, "error", err)
		return StateDownloaded, err
	}
	flog.Info("renamed remote file", "new_name", marked)

	return StateMarked, nil
}
