// Package db persists finished sessions to Postgres. Writes are
// asynchronous: the run loop enqueues a session document and moves on,
// a small worker pool drains the queue.
package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Meridian/internal/metrics"
)

// ErrQueueFull is returned when the archive queue cannot accept more
// writes. The caller loses the archive, never the live session.
var ErrQueueFull = errors.New("archive queue full")

const (
	defaultQueueSize = 1000
	defaultWorkers   = 4
	writeTimeout     = 10 * time.Second
)

const upsertArchive = `
INSERT INTO session_archives (session_id, parent_id, document, archived_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (session_id)
DO UPDATE SET parent_id = EXCLUDED.parent_id,
              document = EXCLUDED.document,
              archived_at = EXCLUDED.archived_at`

type archiveRequest struct {
	sessionID string
	parentID  string
	document  json.RawMessage
}

// Archiver writes session documents to the session_archives table.
type Archiver struct {
	db     *sqlx.DB
	logger *zap.Logger

	queue  chan archiveRequest
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewArchiver connects to Postgres and starts the write workers.
func NewArchiver(dsn string, logger *zap.Logger) (*Archiver, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	return newArchiver(db, logger), nil
}

func newArchiver(db *sqlx.DB, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Archiver{
		db:     db,
		logger: logger,
		queue:  make(chan archiveRequest, defaultQueueSize),
		stopCh: make(chan struct{}),
	}
	for i := 0; i < defaultWorkers; i++ {
		a.wg.Add(1)
		go a.worker()
	}
	return a
}

// ArchiveSession enqueues a session document for persistence. It never
// blocks; when the queue is full the write is dropped and ErrQueueFull
// returned.
func (a *Archiver) ArchiveSession(sessionID, parentID string, document json.RawMessage) error {
	select {
	case a.queue <- archiveRequest{sessionID: sessionID, parentID: parentID, document: document}:
		return nil
	default:
		metrics.ArchiveWrites.WithLabelValues("dropped").Inc()
		a.logger.Warn("Archive queue full, dropping write",
			zap.String("session_id", sessionID),
		)
		return ErrQueueFull
	}
}

func (a *Archiver) worker() {
	defer a.wg.Done()
	for {
		select {
		case <-a.stopCh:
			// Drain what is left before stopping.
			for {
				select {
				case req := <-a.queue:
					a.write(req)
				default:
					return
				}
			}
		case req := <-a.queue:
			a.write(req)
		}
	}
}

func (a *Archiver) write(req archiveRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	_, err := a.db.ExecContext(ctx, upsertArchive,
		req.sessionID, req.parentID, []byte(req.document), time.Now().UTC())
	if err != nil {
		metrics.ArchiveWrites.WithLabelValues("error").Inc()
		a.logger.Error("Failed to archive session",
			zap.String("session_id", req.sessionID),
			zap.Error(err),
		)
		return
	}
	metrics.ArchiveWrites.WithLabelValues("ok").Inc()
}

// Close stops the workers after draining the queue and closes the
// database connection.
func (a *Archiver) Close() error {
	close(a.stopCh)
	a.wg.Wait()
	return a.db.Close()
}

// LoadArchive reads one archived session document back, mainly for
// operational tooling.
func (a *Archiver) LoadArchive(ctx context.Context, sessionID string) (json.RawMessage, error) {
	var doc []byte
	err := a.db.GetContext(ctx, &doc,
		`SELECT document FROM session_archives WHERE session_id = $1`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load archive %s: %w", sessionID, err)
	}
	return doc, nil
}
