package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/BadgerOps/edirelay/internal/archive"
	"github.com/BadgerOps/edirelay/internal/edi"
	"github.com/BadgerOps/edirelay/internal/metrics"
	"github.com/BadgerOps/edirelay/internal/partner"
	"github.com/BadgerOps/edirelay/internal/store"
	"github.com/BadgerOps/edirelay/internal/transport"
	"github.com/google/uuid"
)

// ErrPickupMissing is returned when the outbound pick-up folder does not exist.
var ErrPickupMissing = errors.New("pick-up folder does not exist")

// FileResult is the outcome of one staged file.
type FileResult struct {
	Path        string
	PartnerID   string
	State       FileState
	Err         error
	ArchivePath string
}

// Succeeded reports whether the file reached its partner. A delivered file
// whose archive step failed still counts, with Err describing the archive
// failure.
func (r FileResult) Succeeded() bool {
	return r.State == StateDelivered || r.State == StateArchived
}

// OutboundReport is the result of Outbound.Run.
type OutboundReport struct {
	RunID     string
	StartTime time.Time
	EndTime   time.Time
	Files     []FileResult
	Succeeded int
	Failed    int
}

// Outbound routes staged interchange files to the partner named in their
// envelope header, uploads them and archives what was delivered.
type Outbound struct {
	registry *partner.Registry
	dialer   transport.Dialer
	archiver *archive.Archiver
	pickup   string
	logger   *slog.Logger

	store   *store.Store
	metrics *metrics.Metrics
}

// NewOutbound creates an outbound engine.
func NewOutbound(registry *partner.Registry, dialer transport.Dialer, archiver *archive.Archiver, pickup string, logger *slog.Logger) *Outbound {
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbound{
		registry: registry,
		dialer:   dialer,
		archiver: archiver,
		pickup:   pickup,
		logger:   logger,
	}
}

// SetStore attaches run history and the delivery ledger.
func (e *Outbound) SetStore(st *store.Store) { e.store = st }

// SetMetrics attaches metrics collection.
func (e *Outbound) SetMetrics(m *metrics.Metrics) { e.metrics = m }

// Run processes every regular file in the pick-up folder once, in name
// order. A missing pick-up folder is the only run-level error.
func (e *Outbound) Run(ctx context.Context) (*OutboundReport, error) {
	report := &OutboundReport{
		RunID:     uuid.NewString(),
		StartTime: time.Now(),
	}
	log := e.logger.With("run_id", report.RunID, "direction", store.DirectionOutbound)

	files, err := e.staged()
	if err != nil {
		log.Error("cannot read pick-up folder", "path", e.pickup, "error", err)
		return nil, err
	}
	if len(files) == 0 {
		log.Info("no files to process")
	} else {
		log.Info("processing staged files", "count", len(files))
	}

	hist := startHistory(e.store, store.DirectionOutbound, report.RunID, report.StartTime, log)

	var runErr error
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			runErr = fmt.Errorf("outbound run interrupted: %w", err)
			break
		}

		res := e.processFile(ctx, path, log)
		report.Files = append(report.Files, res)
		if res.Succeeded() {
			report.Succeeded++
		} else {
			report.Failed++
		}
		hist.file(res.PartnerID, filepath.Base(path), res.State, res.Succeeded(), res.Err)
	}

	report.EndTime = time.Now()
	hist.finish(report.Succeeded, report.Failed, runErr, report.EndTime)
	e.metrics.RunFinished(store.DirectionOutbound, report.EndTime)

	log.Info("processing complete",
		"successful", report.Succeeded,
		"failed", report.Failed,
		"duration", report.EndTime.Sub(report.StartTime).Round(time.Millisecond),
	)

	return report, runErr
}

// staged returns the regular files directly inside the pick-up folder.
func (e *Outbound) staged() ([]string, error) {
	info, err := os.Stat(e.pickup)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrPickupMissing, e.pickup)
		}
		return nil, fmt.Errorf("reading pick-up folder: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrPickupMissing, e.pickup)
	}

	entries, err := os.ReadDir(e.pickup)
	if err != nil {
		return nil, fmt.Errorf("reading pick-up folder: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		files = append(files, filepath.Join(e.pickup, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// processFile moves one file through staged, identified, routed, delivered
// and archived. It stops at the first failed transition.
func (e *Outbound) processFile(ctx context.Context, path string, log *slog.Logger) FileResult {
	name := filepath.Base(path)
	res := FileResult{Path: path, State: StateStaged}
	flog := log.With("file", name)

	id, err := edi.RoutingID(path)
	if err != nil {
		flog.Error("could not identify receiver", "error", err)
		e.metrics.Failed(store.DirectionOutbound, "parse")
		res.Err = err
		return res
	}
	res.State = StateIdentified
	flog = flog.With("receiver_id", id)

	p, err := e.registry.LookupEnabled(id)
	if err != nil {
		flog.Error("no enabled partner for receiver", "error", err)
		e.metrics.Failed(store.DirectionOutbound, "route")
		res.Err = err
		return res
	}
	res.PartnerID = p.ID
	res.State = StateRouted
	flog = flog.With("partner", p.ID, "partner_name", p.Name)

	delivery, err := e.deliver(ctx, path, p, flog)
	if err != nil {
		e.metrics.Failed(store.DirectionOutbound, "upload")
		res.Err = err
		return res
	}
	res.State = StateDelivered

	dest, err := e.archiver.Archive(path, p)
	if err != nil {
		flog.Error("archive failed, file left in pick-up folder", "error", err)
		e.metrics.Failed(store.DirectionOutbound, "archive")
		res.Err = err
		return res
	}
	res.State = StateArchived
	res.ArchivePath = dest

	if delivery != nil {
		if err := e.store.MarkArchived(delivery.ID, dest, time.Now()); err != nil {
			flog.Error("failed to record archive in ledger", "error", err)
		}
	}

	return res
}

// deliver uploads path to p unless the ledger shows the same content was
// already delivered but never archived. It returns the ledger entry when a
// store is attached.
func (e *Outbound) deliver(ctx context.Context, path string, p partner.Partner, log *slog.Logger) (*store.Delivery, error) {
	name := filepath.Base(path)

	var sum string
	if e.store != nil {
		var err error
		sum, err = fileSHA256(path)
		if err != nil {
			log.Error("cannot hash staged file", "error", err)
			return nil, err
		}

		d, err := e.store.FindDelivery(p.ID, name, sum)
		switch {
		case err == nil && !d.Archived():
			log.Info("file already delivered, retrying archive only", "delivered_at", d.DeliveredAt)
			return d, nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			log.Warn("delivery ledger lookup failed", "error", err)
		}
	}

	if err := e.upload(ctx, path, p, log); err != nil {
		return nil, err
	}
	e.metrics.Delivered(p.ID)

	if e.store == nil {
		return nil, nil
	}
	d := &store.Delivery{PartnerID: p.ID, FileName: name, SHA256: sum}
	if err := e.store.RecordDelivery(d); err != nil {
		log.Error("failed to record delivery in ledger", "error", err)
		return nil, nil
	}
	return d, nil
}

// upload opens a session to p, uploads the file under its base name and
// closes the session.
func (e *Outbound) upload(ctx context.Context, path string, p partner.Partner, log *slog.Logger) error {
	sess, err := e.dialer.Dial(ctx, p.Endpoint())
	if err != nil {
		log.Error("connection failed", "error", err)
		e.metrics.PartnerError(store.DirectionOutbound, p.ID)
		return err
	}
	defer sess.Close()

	if p.OutboundPath != "" {
		if err := sess.ChangeDir(p.OutboundPath); err != nil {
			log.Error("cannot open outbound directory", "path", p.OutboundPath, "error", err)
			e.metrics.PartnerError(store.DirectionOutbound, p.ID)
			return err
		}
	}

	if err := sess.Push(path, filepath.Base(path)); err != nil {
		log.Error("upload failed", "error", err)
		return err
	}
	log.Info("uploaded file", "protocol", string(p.Protocol), "host", p.Host)
	return nil
}
