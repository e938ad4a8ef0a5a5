package models

import (
	"fmt"
	"time"
)

// Kind is the type of row mutation carried by a ChangeEvent
type Kind int

const (
	KindInsert Kind = iota + 1
	KindUpdate
	KindDelete

	kindEnd
)

// NumKinds is the number of valid kinds. Code that switches over every kind
// asserts against it so a new kind cannot be added silently.
const NumKinds = int(kindEnd) - 1

// Valid reports whether k is one of the known kinds
func (k Kind) Valid() bool {
	return k >= KindInsert && k < kindEnd
}

func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "INSERT"
	case KindUpdate:
		return "UPDATE"
	case KindDelete:
		return "DELETE"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind maps the binlog/JSON spelling of a kind ("insert", "UPDATE", ...) to a Kind
func ParseKind(s string) (Kind, error) {
	switch s {
	case "INSERT", "insert":
		return KindInsert, nil
	case "UPDATE", "update":
		return KindUpdate, nil
	case "DELETE", "delete":
		return KindDelete, nil
	}
	return 0, fmt.Errorf("unknown change kind %q", s)
}

// Column is a single named value of a row image. A nil Value is SQL NULL.
type Column struct {
	Name  string
	Value interface{}
}

// Row is an ordered row image. Order is preserved end to end so generated
// statements are deterministic.
type Row []Column

// RowOf builds a Row from alternating name/value pairs. It panics on a
// malformed list, so it is meant for literals and tests.
func RowOf(pairs ...interface{}) Row {
	if len(pairs)%2 != 0 {
		panic("models.RowOf: odd number of arguments")
	}
	row := make(Row, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		name, ok := pairs[i].(string)
		if !ok {
			panic(fmt.Sprintf("models.RowOf: column name at %d is %T, not string", i, pairs[i]))
		}
		row = append(row, Column{Name: name, Value: pairs[i+1]})
	}
	return row
}

// Get returns the value of the named column and whether the column is
// present at all. A present column may still hold nil.
func (r Row) Get(name string) (interface{}, bool) {
	for _, c := range r {
		if c.Name == name {
			return c.Value, true
		}
	}
	return nil, false
}

// Names returns the column names in row order
func (r Row) Names() []string {
	names := make([]string, len(r))
	for i, c := range r {
		names[i] = c.Name
	}
	return names
}

// ChangeEvent is one captured row mutation, normalized for the sink
type ChangeEvent struct {
	Kind        Kind
	TargetTable string
	KeyColumns  []string
	Before      Row // UPDATE and DELETE
	After       Row // INSERT and UPDATE
}

// Validate checks the structural invariants the statement builder relies on.
// A failure is a contract violation by the producer of the event.
func (e *ChangeEvent) Validate() error {
	fail := func(format string, args ...interface{}) error {
		return &TranslationError{Kind: e.Kind, Table: e.TargetTable, Reason: fmt.Sprintf(format, args...)}
	}

	if !e.Kind.Valid() {
		return fail("unknown kind")
	}
	if e.TargetTable == "" {
		return fail("target table is empty")
	}

	var keyImage Row
	switch e.Kind {
	case KindInsert:
		if len(e.After) == 0 {
			return fail("insert has no after image")
		}
		keyImage = e.After
	case KindUpdate:
		if len(e.After) == 0 || len(e.Before) == 0 {
			return fail("update needs both before and after images")
		}
		keyImage = e.Before
	case KindDelete:
		if len(e.Before) == 0 {
			return fail("delete has no before image")
		}
		keyImage = e.Before
	}

	if e.Kind != KindInsert && len(e.KeyColumns) == 0 {
		return fail("no key columns")
	}
	for _, key := range e.KeyColumns {
		if _, ok := keyImage.Get(key); !ok {
			return fail("key column %q missing from row image", key)
		}
	}

	return nil
}

// FormatValue renders a non-nil column value as text. nil has no textual
// form; callers map it to NULL.
func FormatValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.Format("2006-01-02 15:04:05.999999")
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// ValuesEqual compares two column values the way the update diff needs:
// nil equals nil, and non-nil values are equal when their text is equal.
func ValuesEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return FormatValue(a) == FormatValue(b)
}
