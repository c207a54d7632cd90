package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/events"
	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// journaled lists the device events that are persisted. Readings go to the
// time series sink instead.
var journaled = map[types.EventType]bool{
	types.EventDeviceConnected:     true,
	types.EventDeviceDisconnected:  true,
	types.EventDeviceCommandSent:   true,
	types.EventDeviceCommandResult: true,
	types.EventDeviceError:         true,
	types.EventDeviceRegistered:    true,
	types.EventDeviceUnregistered:  true,
}

// EventSource is satisfied by the device manager.
type EventSource interface {
	On(eventType types.EventType, handler events.Handler) func()
}

type JournalWriter interface {
	InsertJournal(ctx context.Context, entries []JournalEntry) error
}

// Journal batches device events and writes them through a JournalWriter.
type Journal struct {
	writer        JournalWriter
	logger        *zap.Logger
	entries       chan JournalEntry
	batchSize     int
	flushInterval time.Duration

	unsubscribe func()
	stop        chan struct{}
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

func NewJournal(writer JournalWriter, logger *zap.Logger, batchSize int, flushInterval time.Duration) *Journal {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	return &Journal{
		writer:        writer,
		logger:        logger,
		entries:       make(chan JournalEntry, batchSize*4),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stop:          make(chan struct{}),
	}
}

// Start subscribes to source and runs the writer loop until Close.
func (j *Journal) Start(source EventSource) {
	j.unsubscribe = source.On(types.EventAny, j.record)
	j.wg.Add(1)
	go j.run()
}

func (j *Journal) record(event types.DeviceEvent) {
	if !journaled[event.Type] {
		return
	}

	entry, err := toJournalEntry(event)
	if err != nil {
		j.logger.Warn("Journal entry skipped", zap.String("device_id", event.DeviceID), zap.Error(err))
		return
	}

	select {
	case j.entries <- entry:
	default:
		j.logger.Warn("Journal queue full, entry dropped",
			zap.String("device_id", event.DeviceID),
			zap.String("event", string(event.Type)))
	}
}

func (j *Journal) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.flushInterval)
	defer ticker.Stop()

	batch := make([]JournalEntry, 0, j.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := j.writer.InsertJournal(ctx, batch); err != nil {
			j.logger.Error("Journal write failed", zap.Int("entries", len(batch)), zap.Error(err))
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-j.entries:
			batch = append(batch, entry)
			if len(batch) >= j.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-j.stop:
			for {
				select {
				case entry := <-j.entries:
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Close unsubscribes and flushes pending entries.
func (j *Journal) Close() {
	j.closeOnce.Do(func() {
		if j.unsubscribe != nil {
			j.unsubscribe()
		}
		close(j.stop)
		j.wg.Wait()
	})
}

func toJournalEntry(event types.DeviceEvent) (JournalEntry, error) {
	entry := JournalEntry{
		ID:         uuid.New(),
		DeviceID:   event.DeviceID,
		AdapterID:  event.AdapterID,
		EventType:  string(event.Type),
		OccurredAt: event.Timestamp,
	}

	switch p := event.Payload.(type) {
	case types.Command:
		entry.CommandID = p.ID
	case types.CommandResult:
		entry.CommandID = p.CommandID
	}

	if event.Payload != nil {
		payload, err := json.Marshal(event.Payload)
		if err != nil {
			return entry, fmt.Errorf("marshal payload: %w", err)
		}
		entry.Payload = payload
	}
	return entry, nil
}

// InsertJournal copies a batch of entries into device_journal.
func (p *PostgresClient) InsertJournal(ctx context.Context, entries []JournalEntry) error {
	rows := make([][]any, len(entries))
	for i, e := range entries {
		var commandID any
		if e.CommandID != "" {
			commandID = e.CommandID
		}
		rows[i] = []any{e.ID, e.DeviceID, e.AdapterID, e.EventType, commandID, e.Payload, e.OccurredAt}
	}

	_, err := p.pool.CopyFrom(ctx,
		pgx.Identifier{"device_journal"},
		[]string{"id", "device_id", "adapter_id", "event_type", "command_id", "payload", "occurred_at"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy journal entries: %w", err)
	}
	return nil
}

// RecentJournal returns up to limit entries for a device, newest first.
func (p *PostgresClient) RecentJournal(ctx context.Context, deviceID string, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, device_id, adapter_id, event_type, COALESCE(command_id, ''), payload, occurred_at
		FROM device_journal
		WHERE device_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (JournalEntry, error) {
		var e JournalEntry
		err := row.Scan(&e.ID, &e.DeviceID, &e.AdapterID, &e.EventType, &e.CommandID, &e.Payload, &e.OccurredAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan journal: %w", err)
	}
	return entries, nil
}
