// Package builder translates change events into target-store mutations.
//
// Every statement carries two renderings of the same logical mutation: Text,
// the literal form used in logs and by downstream consumers, and Query/Args,
// the parameter-bound form that is actually executed.
package builder

import (
	"errors"
	"strings"
	"time"

	"mysql-sink/internal/models"
)

// ErrNoOp is returned for an update whose images do not differ in any column.
// It is not a failure: no statement must be submitted for the event.
var ErrNoOp = errors.New("update has no effective column changes")

// Translate covers exactly three kinds. These fail to compile when
// models.NumKinds changes, until Translate is updated to match.
var (
	_ [models.NumKinds - 3]struct{}
	_ [3 - models.NumKinds]struct{}
)

// Statement is a translated mutation ready for submission
type Statement struct {
	Kind  models.Kind // diagnostics only, never used to branch execution
	Table string
	Key   string // ordering key: statements with equal keys touch the same row
	// NewKey is the ordering key the row moves to when an update changes its
	// key columns. Empty otherwise.
	NewKey string
	Text   string
	Query  string
	Args   []interface{}
}

// Translate builds the statement for a change event. It returns ErrNoOp when
// an update changes nothing and a *models.TranslationError when the event
// violates its invariants. Output is byte-identical for equal events.
func Translate(event *models.ChangeEvent) (*Statement, error) {
	if event == nil {
		return nil, &models.TranslationError{Reason: "nil event"}
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}

	switch event.Kind {
	case models.KindInsert:
		return buildInsert(event), nil
	case models.KindUpdate:
		return buildUpdate(event)
	case models.KindDelete:
		return buildDelete(event), nil
	}

	return nil, &models.TranslationError{Kind: event.Kind, Table: event.TargetTable, Reason: "unhandled kind"}
}

func buildInsert(event *models.ChangeEvent) *Statement {
	columns := make([]string, 0, len(event.After))
	literals := make([]string, 0, len(event.After))
	marks := make([]string, 0, len(event.After))
	args := make([]interface{}, 0, len(event.After))

	for _, col := range event.After {
		columns = append(columns, quoteIdent(col.Name))
		literals = append(literals, literal(col.Value))
		marks = append(marks, "?")
		args = append(args, bindValue(col.Value))
	}

	keyImage := event.After
	keyColumns := event.KeyColumns
	if len(keyColumns) == 0 {
		keyColumns = event.After.Names()
	}

	return &Statement{
		Kind:  models.KindInsert,
		Table: event.TargetTable,
		Key:   orderingKey(event.TargetTable, keyColumns, keyImage),
		Text: "REPLACE INTO " + event.TargetTable +
			" ( " + strings.Join(columns, ", ") + " ) VALUES ( " + strings.Join(literals, ", ") + " );",
		Query: "REPLACE INTO " + event.TargetTable +
			" (" + strings.Join(columns, ", ") + ") VALUES (" + strings.Join(marks, ", ") + ")",
		Args: args,
	}
}

func buildUpdate(event *models.ChangeEvent) (*Statement, error) {
	var (
		textSets  []string
		querySets []string
		args      []interface{}
	)

	for _, col := range event.After {
		// An absent before column compares as NULL
		before, _ := event.Before.Get(col.Name)
		if models.ValuesEqual(before, col.Value) {
			continue
		}
		textSets = append(textSets, quoteIdent(col.Name)+" = "+literal(col.Value))
		querySets = append(querySets, quoteIdent(col.Name)+" = ?")
		args = append(args, bindValue(col.Value))
	}

	if len(textSets) == 0 {
		return nil, ErrNoOp
	}

	where := keyPredicates(event.KeyColumns, event.Before)
	key := orderingKey(event.TargetTable, event.KeyColumns, event.Before)

	var newKey string
	if moved := orderingKey(event.TargetTable, event.KeyColumns, afterKeys(event)); moved != key {
		newKey = moved
	}

	return &Statement{
		Kind:   models.KindUpdate,
		Table:  event.TargetTable,
		Key:    key,
		NewKey: newKey,
		Text: "UPDATE " + event.TargetTable + " SET " + strings.Join(textSets, ", ") +
			" WHERE " + where.text + " ;",
		Query: "UPDATE " + event.TargetTable + " SET " + strings.Join(querySets, ", ") +
			" WHERE " + where.query,
		Args: append(args, where.args...),
	}, nil
}

// afterKeys is the key image of the row once the update is applied. Key
// columns missing from After keep their before value.
func afterKeys(event *models.ChangeEvent) models.Row {
	image := make(models.Row, 0, len(event.KeyColumns))
	for _, key := range event.KeyColumns {
		value, ok := event.After.Get(key)
		if !ok {
			value, _ = event.Before.Get(key)
		}
		image = append(image, models.Column{Name: key, Value: value})
	}
	return image
}

func buildDelete(event *models.ChangeEvent) *Statement {
	where := keyPredicates(event.KeyColumns, event.Before)

	return &Statement{
		Kind:  models.KindDelete,
		Table: event.TargetTable,
		Key:   orderingKey(event.TargetTable, event.KeyColumns, event.Before),
		Text:  "DELETE FROM " + event.TargetTable + " WHERE " + where.text + " ;",
		Query: "DELETE FROM " + event.TargetTable + " WHERE " + where.query,
		Args:  where.args,
	}
}

type predicate struct {
	text  string
	query string
	args  []interface{}
}

// keyPredicates builds one equality term per key column, sourced from the
// before image. NULL keys use IS NULL since "= NULL" never matches.
func keyPredicates(keys []string, image models.Row) predicate {
	text := make([]string, 0, len(keys))
	query := make([]string, 0, len(keys))
	var args []interface{}

	for _, key := range keys {
		value, _ := image.Get(key)
		if value == nil {
			text = append(text, key+" IS NULL")
			query = append(query, quoteIdent(key)+" IS NULL")
			continue
		}
		text = append(text, key+" = "+literal(value))
		query = append(query, quoteIdent(key)+" = ?")
		args = append(args, bindValue(value))
	}

	return predicate{
		text:  strings.Join(text, " AND "),
		query: strings.Join(query, " AND "),
		args:  args,
	}
}

func orderingKey(table string, keys []string, image models.Row) string {
	var b strings.Builder
	b.WriteString(table)
	for _, key := range keys {
		b.WriteByte(0)
		value, _ := image.Get(key)
		if value == nil {
			b.WriteString("\x01null")
			continue
		}
		b.WriteString(models.FormatValue(value))
	}
	return b.String()
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// literal is used for the logged text only; executed statements bind values
func literal(value interface{}) string {
	if value == nil {
		return "null"
	}
	return "'" + models.FormatValue(value) + "'"
}

// bindValue passes driver-native types through and renders anything else as text
func bindValue(value interface{}) interface{} {
	switch value.(type) {
	case nil, string, []byte, bool, time.Time,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return value
	}
	return models.FormatValue(value)
}
