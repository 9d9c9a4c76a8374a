// Package coordlog is the durable coordinator log: one JSON document per
// in-flight distributed transaction, stored in a storage.Backend with
// conditional writes so the participant list and the decision are each
// written at most once.
package coordlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tpcd/api"
	"pkt.systems/tpcd/internal/clock"
	"pkt.systems/tpcd/internal/loggingutil"
	"pkt.systems/tpcd/internal/storage"
)

const (
	// Prefix is the storage key prefix of every coordinator document.
	Prefix = "coordinators/"
	// FormatVersion is written into every document.
	FormatVersion = 1

	contentTypeJSON = "application/json"
	scanPageSize    = 256
)

var (
	// ErrExists is returned by Create when a document already exists.
	ErrExists = errors.New("coordlog: document exists")
	// ErrNotFound is returned when no document exists for the transaction.
	ErrNotFound = errors.New("coordlog: document not found")
	// ErrDecisionConflict is returned by SetDecision when a different
	// decision is already durable.
	ErrDecisionConflict = errors.New("coordlog: conflicting decision")
)

// Stage is derived from which document fields are populated.
type Stage string

const (
	StageAwaitingVotes Stage = "awaiting_votes"
	StageAwaitingAcks  Stage = "awaiting_acks"
)

// Decision is the durable outcome of a transaction.
type Decision struct {
	Kind     api.Decision `json:"kind"`
	CommitTS uint64       `json:"commit_ts,omitempty"`
}

// Commit builds a Commit decision at ts.
func Commit(ts uint64) Decision { return Decision{Kind: api.DecisionCommit, CommitTS: ts} }

// Abort builds an Abort decision.
func Abort() Decision { return Decision{Kind: api.DecisionAbort} }

func (d Decision) String() string {
	if d.Kind == api.DecisionCommit {
		return fmt.Sprintf("commit@%d", d.CommitTS)
	}
	return string(d.Kind)
}

// Document is the durable coordinator record.
type Document struct {
	Version      int        `json:"version"`
	Txn          api.TxnID  `json:"txn"`
	Participants []string   `json:"participants"`
	Decision     *Decision  `json:"decision,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	DecidedAt    *time.Time `json:"decided_at,omitempty"`
}

// Stage reports the stage implied by the document.
func (d *Document) Stage() Stage {
	if d.Decision != nil {
		return StageAwaitingAcks
	}
	return StageAwaitingVotes
}

// Record is a document together with the ETag it was read or written at.
type Record struct {
	Key      string
	Document Document
	ETag     string
}

// API converts the record to its diagnostic wire form.
func (r Record) API() api.CoordinatorDocument {
	out := api.CoordinatorDocument{
		Key:           r.Key,
		Txn:           r.Document.Txn,
		Participants:  slices.Clone(r.Document.Participants),
		Stage:         string(r.Document.Stage()),
		CreatedAtUnix: r.Document.CreatedAt.Unix(),
	}
	if d := r.Document.Decision; d != nil {
		out.Decision = d.Kind
		out.CommitTS = d.CommitTS
	}
	if r.Document.DecidedAt != nil {
		out.DecidedAtUnix = r.Document.DecidedAt.Unix()
	}
	return out
}

// Config wires a Log.
type Config struct {
	Backend storage.Backend
	Logger  pslog.Logger
	Clock   clock.Clock
}

// Log implements create / setDecision / delete / scanAll over a backend.
type Log struct {
	backend storage.Backend
	logger  pslog.Logger
	clock   clock.Clock
}

// New constructs a Log.
func New(cfg Config) (*Log, error) {
	if cfg.Backend == nil {
		return nil, errors.New("coordlog: backend required")
	}
	return &Log{
		backend: cfg.Backend,
		logger:  loggingutil.WithSubsystem(loggingutil.EnsureLogger(cfg.Logger), "coordinator.log"),
		clock:   clock.OrReal(cfg.Clock),
	}, nil
}

// Key returns the storage key of txn's document. The txn number is zero
// padded so lexical order matches numeric order within a session.
func Key(txn api.TxnID) string {
	return fmt.Sprintf("%s%s/%020d.json", Prefix, url.PathEscape(txn.LSID), txn.TxnNumber)
}

// Create durably writes the participant list for txn. When a document
// already exists it is returned together with ErrExists.
func (l *Log) Create(ctx context.Context, txn api.TxnID, participants []string) (*Record, error) {
	key := Key(txn)
	doc := Document{
		Version:      FormatVersion,
		Txn:          txn,
		Participants: slices.Clone(participants),
		CreatedAt:    l.clock.Now().UTC(),
	}
	etag, err := l.put(ctx, key, &doc, storage.PutObjectOptions{IfNotExists: true})
	if err != nil {
		if errors.Is(err, storage.ErrCASMismatch) {
			existing, getErr := l.Get(ctx, txn)
			if getErr != nil {
				return nil, fmt.Errorf("coordlog: create %s raced: %w", txn, getErr)
			}
			l.logger.Debug("coordlog.create.exists", "txn_id", txn.String(), "stage", existing.Document.Stage())
			return existing, ErrExists
		}
		return nil, fmt.Errorf("coordlog: create %s: %w", txn, err)
	}
	l.logger.Debug("coordlog.create.durable", "txn_id", txn.String(), "participants", len(participants))
	return &Record{Key: key, Document: doc, ETag: etag}, nil
}

// SetDecision durably records decision. Writing the same decision again is
// accepted; a different one fails with ErrDecisionConflict and returns the
// stored record.
func (l *Log) SetDecision(ctx context.Context, txn api.TxnID, decision Decision) (*Record, error) {
	if !decision.Kind.Valid() {
		return nil, fmt.Errorf("coordlog: invalid decision %q", decision.Kind)
	}
	for {
		rec, err := l.Get(ctx, txn)
		if err != nil {
			return nil, err
		}
		if existing := rec.Document.Decision; existing != nil {
			if *existing == decision {
				return rec, nil
			}
			return rec, fmt.Errorf("%w: stored %s, requested %s", ErrDecisionConflict, existing, decision)
		}
		now := l.clock.Now().UTC()
		doc := rec.Document
		d := decision
		doc.Decision = &d
		doc.DecidedAt = &now
		etag, err := l.put(ctx, rec.Key, &doc, storage.PutObjectOptions{ExpectedETag: rec.ETag})
		if err != nil {
			if errors.Is(err, storage.ErrCASMismatch) {
				continue
			}
			if errors.Is(err, storage.ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("coordlog: set decision %s: %w", txn, err)
		}
		l.logger.Debug("coordlog.decision.durable", "txn_id", txn.String(), "decision", decision.Kind, "commit_ts", decision.CommitTS)
		return &Record{Key: rec.Key, Document: doc, ETag: etag}, nil
	}
}

// Delete removes txn's document. Deleting a missing document succeeds.
func (l *Log) Delete(ctx context.Context, txn api.TxnID) error {
	if err := l.backend.DeleteObject(ctx, Key(txn), storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
		return fmt.Errorf("coordlog: delete %s: %w", txn, err)
	}
	l.logger.Debug("coordlog.delete.durable", "txn_id", txn.String())
	return nil
}

// Get loads txn's document.
func (l *Log) Get(ctx context.Context, txn api.TxnID) (*Record, error) {
	return l.load(ctx, Key(txn))
}

// ScanAll returns every document in key order. Each document appears once.
func (l *Log) ScanAll(ctx context.Context) ([]Record, error) {
	var out []Record
	err := storage.ListAll(ctx, l.backend, Prefix, scanPageSize, func(obj storage.ObjectInfo) error {
		if !strings.HasSuffix(obj.Key, ".json") {
			return nil
		}
		rec, err := l.load(ctx, obj.Key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		out = append(out, *rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("coordlog: scan: %w", err)
	}
	l.logger.Debug("coordlog.scan.complete", "documents", len(out))
	return out, nil
}

func (l *Log) load(ctx context.Context, key string) (*Record, error) {
	data, info, err := storage.ReadObject(ctx, l.backend, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("coordlog: load %s: %w", key, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("coordlog: decode %s: %w", key, err)
	}
	if doc.Version > FormatVersion {
		return nil, fmt.Errorf("coordlog: %s has unsupported version %d", key, doc.Version)
	}
	return &Record{Key: key, Document: doc, ETag: info.ETag}, nil
}

func (l *Log) put(ctx context.Context, key string, doc *Document, opts storage.PutObjectOptions) (string, error) {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(doc); err != nil {
		return "", err
	}
	opts.ContentType = contentTypeJSON
	info, err := l.backend.PutObject(ctx, key, bytes.NewReader(buf.Bytes()), opts)
	if err != nil {
		return "", err
	}
	return info.ETag, nil
}
