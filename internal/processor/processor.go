package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/sirupsen/logrus"

	"mysql-sink/internal/binlog"
	"mysql-sink/internal/models"
	"mysql-sink/internal/sink"
)

// Reader yields binlog events in source order
type Reader interface {
	ReadEvent(ctx context.Context) (*replication.BinlogEvent, error)
}

// Executor applies change events to the target. The returned handle is nil
// when nothing was submitted.
type Executor interface {
	Enqueue(event *models.ChangeEvent) (*sink.Pending, error)
}

// Committer records transaction boundaries once the statements submitted
// before them have completed
type Committer interface {
	Commit(ctx context.Context, pos mysql.Position, completions []binlog.Completion) error
}

// Processor turns binlog row events into change events and hands them to the
// executor in binlog order
type Processor struct {
	reader      Reader
	executor    Executor
	schema      SchemaLookup
	transformer *Transformer
	committer   Committer
	logger      *logrus.Logger
	tables      map[uint64]*replication.TableMapEvent // Cache table map events

	file    string              // binlog file being read
	pending []binlog.Completion // statements of the open transaction
}

// NewProcessor creates a processor. schema may be nil when the source logs
// full row metadata (binlog_row_metadata=FULL); transformer and committer may
// be nil.
func NewProcessor(reader Reader, executor Executor, schema SchemaLookup, transformer *Transformer,
	committer Committer, logger *logrus.Logger) *Processor {

	return &Processor{
		reader:      reader,
		executor:    executor,
		schema:      schema,
		transformer: transformer,
		committer:   committer,
		logger:      logger,
		tables:      make(map[uint64]*replication.TableMapEvent),
	}
}

// rowKind maps a rows event type to the change kind it carries
func rowKind(t replication.EventType) (models.Kind, bool) {
	switch t {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		return models.KindInsert, true
	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		return models.KindUpdate, true
	case replication.DELETE_ROWS_EVENTv0, replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		return models.KindDelete, true
	}
	return 0, false
}

type invalidator interface {
	Invalidate(database, table string)
}

// resolveSchema prefers the metadata carried by the table map event (MySQL
// 8.0+ with binlog_row_metadata=FULL) and falls back to the schema lookup
// for whatever is missing.
func (p *Processor) resolveSchema(ctx context.Context, tableMap *replication.TableMapEvent) (*TableSchema, error) {
	database := string(tableMap.Schema)
	table := string(tableMap.Table)

	resolved := &TableSchema{}

	for _, name := range tableMap.ColumnName {
		resolved.Columns = append(resolved.Columns, string(name))
	}
	for _, idx := range tableMap.PrimaryKey {
		if int(idx) < len(resolved.Columns) {
			resolved.PrimaryKey = append(resolved.PrimaryKey, resolved.Columns[idx])
		}
	}

	if len(resolved.Columns) > 0 && len(resolved.PrimaryKey) > 0 {
		return resolved, nil
	}

	if p.schema == nil {
		return nil, fmt.Errorf("no column metadata for %s.%s: enable binlog_row_metadata=FULL or configure a schema lookup", database, table)
	}

	looked, err := p.schema.Table(ctx, database, table)
	if err != nil {
		return nil, fmt.Errorf("failed to get column info: %w", err)
	}

	// A cached layout that no longer matches the binlog is stale
	if len(looked.Columns) != int(tableMap.ColumnCount) {
		if inv, ok := p.schema.(invalidator); ok {
			inv.Invalidate(database, table)
			if looked, err = p.schema.Table(ctx, database, table); err != nil {
				return nil, fmt.Errorf("failed to get column info: %w", err)
			}
		}
		if len(looked.Columns) < int(tableMap.ColumnCount) {
			p.logger.Warnf("Column count mismatch: expected %d columns, got %d names", tableMap.ColumnCount, len(looked.Columns))
		}
	}

	if len(resolved.Columns) == 0 {
		resolved.Columns = looked.Columns
	}
	if len(resolved.PrimaryKey) == 0 {
		resolved.PrimaryKey = looked.PrimaryKey
	}
	resolved.Types = looked.Types

	return resolved, nil
}

func (p *Processor) tableMap(event *replication.RowsEvent) (*replication.TableMapEvent, error) {
	if tableMap, ok := p.tables[event.TableID]; ok {
		return tableMap, nil
	}
	if event.Table != nil {
		return event.Table, nil
	}
	return nil, fmt.Errorf("table map not found for table ID %d", event.TableID)
}

// ProcessRowEvent splits a rows event into one change event per row
func (p *Processor) ProcessRowEvent(ctx context.Context, event *replication.RowsEvent, kind models.Kind) ([]*models.ChangeEvent, error) {
	tableMap, err := p.tableMap(event)
	if err != nil {
		return nil, err
	}

	schema, err := p.resolveSchema(ctx, tableMap)
	if err != nil {
		return nil, err
	}

	table := string(tableMap.Table)

	newEvent := func() *models.ChangeEvent {
		return &models.ChangeEvent{
			Kind:        kind,
			TargetTable: table,
			KeyColumns:  schema.PrimaryKey,
		}
	}

	// Columns left out of a MINIMAL or NOBLOB row image are listed per row
	row := func(i int) models.Row {
		var skipped []int
		if i < len(event.SkippedColumns) {
			skipped = event.SkippedColumns[i]
		}
		return toRow(event.Rows[i], skipped, schema)
	}

	var events []*models.ChangeEvent

	switch kind {
	case models.KindUpdate:
		// Update rows come as [before_1, after_1, before_2, after_2, ...]
		for i := 0; i+1 < len(event.Rows); i += 2 {
			ce := newEvent()
			ce.Before = row(i)
			ce.After = row(i + 1)
			events = append(events, ce)
		}
	case models.KindInsert:
		for i := range event.Rows {
			ce := newEvent()
			ce.After = row(i)
			events = append(events, ce)
		}
	case models.KindDelete:
		for i := range event.Rows {
			ce := newEvent()
			ce.Before = row(i)
			events = append(events, ce)
		}
	}

	return events, nil
}

// toRow names the values of one row image. Skipped columns are absent from
// the result, which is not the same as NULL.
func toRow(values []interface{}, skipped []int, schema *TableSchema) models.Row {
	omit := make(map[int]bool, len(skipped))
	for _, j := range skipped {
		omit[j] = true
	}

	row := make(models.Row, 0, len(values))
	for j := 0; j < len(values) && j < len(schema.Columns); j++ {
		if omit[j] {
			continue
		}
		var colType string
		if j < len(schema.Types) {
			colType = schema.Types[j]
		}
		row = append(row, models.Column{Name: schema.Columns[j], Value: convertValue(values[j], colType)})
	}
	return row
}

// convertValue turns textual []byte values into strings. Binary columns
// stay []byte.
func convertValue(value interface{}, colType string) interface{} {
	b, ok := value.([]byte)
	if !ok {
		return value
	}

	if colType != "" {
		upper := strings.ToUpper(colType)
		if strings.Contains(upper, "TEXT") || strings.Contains(upper, "CHAR") || strings.HasPrefix(upper, "JSON") {
			return string(b)
		}
		return b
	}

	if utf8.Valid(b) {
		return string(b)
	}
	return b
}

// HandleEvent processes one binlog event. Row events are converted,
// transformed and executed; the returned error covers conversion only.
func (p *Processor) HandleEvent(ctx context.Context, event *replication.BinlogEvent) error {
	switch e := event.Event.(type) {
	case *replication.TableMapEvent:
		p.tables[e.TableID] = e
		p.logger.Debugf("Cached table map for %s.%s (ID: %d)", string(e.Schema), string(e.Table), e.TableID)

	case *replication.RowsEvent:
		kind, ok := rowKind(event.Header.EventType)
		if !ok {
			p.logger.Debugf("Unhandled row event type: %d", event.Header.EventType)
			return nil
		}

		changes, err := p.ProcessRowEvent(ctx, e, kind)
		if err != nil {
			return fmt.Errorf("error processing %s event: %w", kind, err)
		}

		tableMap, _ := p.tableMap(e)
		p.apply(string(tableMap.Schema), string(tableMap.Table), changes)

	case *replication.RotateEvent:
		p.logger.Infof("Binlog rotated to: %s", string(e.NextLogName))
		p.file = string(e.NextLogName)
		return p.commit(ctx, mysql.Position{Name: p.file, Pos: uint32(e.Position)})

	case *replication.QueryEvent:
		p.logger.Debugf("Query event: %s", string(e.Query))

		// Anything but BEGIN ends a transaction: COMMIT for non-transactional
		// engines, DDL by implicit commit
		if !strings.EqualFold(strings.TrimSpace(string(e.Query)), "BEGIN") {
			return p.commit(ctx, mysql.Position{Name: p.file, Pos: event.Header.LogPos})
		}

	case *replication.XIDEvent:
		p.logger.Debugf("XID event: %d", e.XID)
		return p.commit(ctx, mysql.Position{Name: p.file, Pos: event.Header.LogPos})

	default:
		p.logger.Debugf("Unhandled event type: %T", e)
	}

	return nil
}

func (p *Processor) apply(database, table string, changes []*models.ChangeEvent) {
	executed := 0

	for _, change := range changes {
		if p.transformer != nil {
			transformed, err := p.transformer.Transform(database, table, change)
			if err != nil {
				if errors.Is(err, ErrEventRejected) {
					p.logger.Debugf("Event rejected by transformer: %s.%s (type: %s)", database, table, change.Kind)
					continue
				}
				p.logger.Errorf("Error transforming event: %v", err)
				continue
			}
			change = transformed
		}

		// Translation errors are contract violations of a single event, the
		// stream carries on
		pending, err := p.executor.Enqueue(change)
		if err != nil {
			p.logger.Errorf("Error executing %s event for %s.%s: %v", change.Kind, database, table, err)
			continue
		}
		if pending != nil {
			p.pending = append(p.pending, pending)
		}
		executed++
	}

	p.logger.Debugf("Processed %d/%d row(s) for %s.%s", executed, len(changes), database, table)
}

// commit hands the statements of the finished transaction to the committer
// together with the position that follows it
func (p *Processor) commit(ctx context.Context, pos mysql.Position) error {
	completions := p.pending
	p.pending = nil

	if p.committer == nil {
		return nil
	}

	if err := p.committer.Commit(ctx, pos, completions); err != nil {
		return fmt.Errorf("failed to commit position %s: %w", binlog.FormatPosition(pos), err)
	}

	return nil
}

// Start reads and processes events until ctx is cancelled
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Info("Starting event processor...")

	for {
		event, err := p.reader.ReadEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				p.logger.Info("Context cancelled, stopping event processor")
				return nil
			}

			p.logger.Errorf("Error reading binlog event: %v", err)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		if err := p.HandleEvent(ctx, event); err != nil {
			p.logger.Error(err)
		}
	}
}
