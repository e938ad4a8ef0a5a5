package processor

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"

	"mysql-sink/internal/config"
	"mysql-sink/internal/models"
)

// ErrEventRejected is returned when a JavaScript transform function rejects an event
// by returning null or undefined
var ErrEventRejected = errors.New("event rejected by transformer")

// Transformer reshapes change events before they reach the executor, either
// with YAML rules or with a JavaScript function
type Transformer struct {
	config  *config.ProcessorConfig
	logger  *logrus.Logger
	rules   []*RuleMatcher
	program *goja.Program // Compiled script, shared by every runtime
}

// RuleMatcher matches and applies one transformation rule
type RuleMatcher struct {
	database    string
	table       string
	targetTable string
	keyColumns  []string
	include     map[string]bool
	exclude     map[string]bool
	rename      map[string]string
	addFields   []models.Column
}

// NewTransformer creates a new transformer with the given configuration
func NewTransformer(cfg *config.ProcessorConfig, logger *logrus.Logger) (*Transformer, error) {
	transformer := &Transformer{
		config: cfg,
		logger: logger,
		rules:  []*RuleMatcher{},
	}

	if cfg == nil || !cfg.Enabled {
		return transformer, nil
	}

	if err := ValidateRules(cfg); err != nil {
		return nil, err
	}

	if cfg.Script != "" {
		scriptContent, err := os.ReadFile(cfg.Script)
		if err != nil {
			return nil, fmt.Errorf("failed to read JavaScript script file: %w", err)
		}

		if err := transformer.LoadScript(cfg.Script, string(scriptContent)); err != nil {
			return nil, err
		}

		logger.Infof("Loaded JavaScript transformation script: %s", cfg.Script)
	}

	for _, rule := range cfg.Rules {
		transformer.rules = append(transformer.rules, newRuleMatcher(rule))
	}

	return transformer, nil
}

func newRuleMatcher(rule config.Rule) *RuleMatcher {
	matcher := &RuleMatcher{
		database:    rule.Database,
		table:       rule.Table,
		targetTable: rule.TargetTable,
		keyColumns:  rule.KeyColumns,
		include:     make(map[string]bool),
		exclude:     make(map[string]bool),
		rename:      make(map[string]string),
	}

	for _, field := range rule.Include {
		matcher.include[strings.ToLower(field)] = true
	}
	for _, field := range rule.Exclude {
		matcher.exclude[strings.ToLower(field)] = true
	}
	for from, to := range rule.Rename {
		matcher.rename[strings.ToLower(from)] = to
	}

	// Sorted so the generated statements are deterministic
	names := make([]string, 0, len(rule.AddFields))
	for name := range rule.AddFields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		matcher.addFields = append(matcher.addFields, models.Column{Name: name, Value: rule.AddFields[name]})
	}

	return matcher
}

// LoadScript compiles a transform script. The script either evaluates to a
// function or defines a function named transform.
func (t *Transformer) LoadScript(name, src string) error {
	program, err := goja.Compile(name, src, false)
	if err != nil {
		return fmt.Errorf("invalid JavaScript script: %w", err)
	}

	vm := goja.New()
	if err := t.setupConsoleBindings(vm); err != nil {
		return fmt.Errorf("failed to setup console bindings: %w", err)
	}

	if _, err := t.resolveFunction(vm, program); err != nil {
		return fmt.Errorf("invalid JavaScript script: %w", err)
	}

	t.program = program
	return nil
}

// resolveFunction runs program on vm and returns the transform function
func (t *Transformer) resolveFunction(vm *goja.Runtime, program *goja.Program) (goja.Callable, error) {
	result, err := vm.RunProgram(program)
	if err != nil {
		return nil, fmt.Errorf("failed to execute script: %w", err)
	}

	if result != nil && !goja.IsUndefined(result) && !goja.IsNull(result) {
		if fn, ok := goja.AssertFunction(result); ok {
			return fn, nil
		}
	}

	if named := vm.Get("transform"); named != nil && !goja.IsUndefined(named) && !goja.IsNull(named) {
		if fn, ok := goja.AssertFunction(named); ok {
			return fn, nil
		}
	}

	return nil, fmt.Errorf("script must export a function (either anonymous function or named 'transform' function)")
}

// Transform applies the configured transformation to an event read from
// database.table
func (t *Transformer) Transform(database, table string, event *models.ChangeEvent) (*models.ChangeEvent, error) {
	if t.config == nil || !t.config.Enabled {
		return event, nil
	}

	// JavaScript takes precedence over YAML rules
	if t.program != nil {
		return t.transformWithJavaScript(database, table, event)
	}

	if len(t.rules) > 0 {
		return t.transformWithRules(database, table, event), nil
	}

	return event, nil
}

// transformWithJavaScript passes the event to the script as
//
//	{type, database, table, target_table, key_columns, before, after}
//
// and reads the same shape back. Column order of before/after follows the
// property order of the returned objects.
func (t *Transformer) transformWithJavaScript(database, table string, event *models.ChangeEvent) (*models.ChangeEvent, error) {
	t.logger.Debugf("Transforming event with JavaScript: %s.%s (type: %s)", database, table, event.Kind)

	// goja.Runtime is not thread-safe, use one per transformation
	vm := goja.New()

	if err := t.setupConsoleBindings(vm); err != nil {
		return nil, fmt.Errorf("failed to setup console bindings: %w", err)
	}

	callable, err := t.resolveFunction(vm, t.program)
	if err != nil {
		return nil, err
	}

	eventObj, err := toJSEvent(vm, database, table, event)
	if err != nil {
		return nil, fmt.Errorf("failed to build JavaScript event: %w", err)
	}

	result, err := callable(goja.Undefined(), eventObj)
	if err != nil {
		t.logger.Errorf("JavaScript transform function error: %v", err)
		return nil, fmt.Errorf("JavaScript transform function error: %w", err)
	}

	// null or undefined drops the event
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		t.logger.Debugf("Event rejected by JavaScript transformer: %s.%s (type: %s)", database, table, event.Kind)
		return nil, ErrEventRejected
	}

	transformed, err := fromJSEvent(vm, result, event)
	if err != nil {
		return nil, fmt.Errorf("invalid JavaScript result: %w", err)
	}

	t.logger.Debugf("Successfully transformed event: %s.%s -> %s", database, table, transformed.TargetTable)
	return transformed, nil
}

func toJSEvent(vm *goja.Runtime, database, table string, event *models.ChangeEvent) (*goja.Object, error) {
	obj := vm.NewObject()

	keys := make([]interface{}, len(event.KeyColumns))
	for i, k := range event.KeyColumns {
		keys[i] = k
	}

	fields := []struct {
		name  string
		value interface{}
	}{
		{"type", event.Kind.String()},
		{"database", database},
		{"table", table},
		{"target_table", event.TargetTable},
		{"key_columns", vm.NewArray(keys...)},
		{"before", toJSRow(vm, event.Before)},
		{"after", toJSRow(vm, event.After)},
	}

	for _, f := range fields {
		if err := obj.Set(f.name, f.value); err != nil {
			return nil, fmt.Errorf("failed to set %s: %w", f.name, err)
		}
	}

	return obj, nil
}

func toJSRow(vm *goja.Runtime, row models.Row) goja.Value {
	if row == nil {
		return goja.Null()
	}

	obj := vm.NewObject()
	for _, col := range row {
		value := col.Value
		if b, ok := value.([]byte); ok {
			value = string(b)
		}
		_ = obj.Set(col.Name, value)
	}
	return obj
}

// fromJSEvent reads a script result back. Fields the script dropped keep the
// values of the original event.
func fromJSEvent(vm *goja.Runtime, result goja.Value, original *models.ChangeEvent) (*models.ChangeEvent, error) {
	obj := result.ToObject(vm)

	transformed := &models.ChangeEvent{
		Kind:        original.Kind,
		TargetTable: original.TargetTable,
		KeyColumns:  original.KeyColumns,
		Before:      original.Before,
		After:       original.After,
	}

	if v := obj.Get("type"); present(v) {
		kind, err := models.ParseKind(v.String())
		if err != nil {
			return nil, err
		}
		transformed.Kind = kind
	}

	if v := obj.Get("target_table"); present(v) {
		transformed.TargetTable = v.String()
	}

	if v := obj.Get("key_columns"); present(v) {
		exported, ok := v.Export().([]interface{})
		if !ok {
			return nil, fmt.Errorf("key_columns must be an array")
		}
		keys := make([]string, 0, len(exported))
		for _, k := range exported {
			keys = append(keys, fmt.Sprint(k))
		}
		transformed.KeyColumns = keys
	}

	if v := obj.Get("before"); v != nil {
		transformed.Before = fromJSRow(vm, v)
	}
	if v := obj.Get("after"); v != nil {
		transformed.After = fromJSRow(vm, v)
	}

	return transformed, nil
}

func fromJSRow(vm *goja.Runtime, v goja.Value) models.Row {
	if !present(v) {
		return nil
	}

	obj := v.ToObject(vm)
	keys := obj.Keys()

	row := make(models.Row, 0, len(keys))
	for _, name := range keys {
		var value interface{}
		if field := obj.Get(name); present(field) {
			value = field.Export()
		}
		row = append(row, models.Column{Name: name, Value: value})
	}
	return row
}

func present(v goja.Value) bool {
	return v != nil && !goja.IsUndefined(v) && !goja.IsNull(v)
}

// transformWithRules applies the first rule matching database.table
func (t *Transformer) transformWithRules(database, table string, event *models.ChangeEvent) *models.ChangeEvent {
	var matchedRule *RuleMatcher
	for _, rule := range t.rules {
		if rule.matches(database, table) {
			matchedRule = rule
			break
		}
	}

	if matchedRule == nil {
		return event
	}

	transformed := &models.ChangeEvent{
		Kind:        event.Kind,
		TargetTable: event.TargetTable,
		KeyColumns:  matchedRule.renameAll(event.KeyColumns),
		Before:      t.transformRow(event.Before, matchedRule),
		After:       t.transformRow(event.After, matchedRule),
	}

	if matchedRule.targetTable != "" {
		transformed.TargetTable = matchedRule.targetTable
	}
	if len(matchedRule.keyColumns) > 0 {
		transformed.KeyColumns = matchedRule.keyColumns
	}

	return transformed
}

// transformRow applies transformation rules to a single row image
func (t *Transformer) transformRow(row models.Row, rule *RuleMatcher) models.Row {
	if row == nil {
		return nil
	}

	transformed := make(models.Row, 0, len(row)+len(rule.addFields))

	for _, col := range row {
		if !rule.keeps(col.Name) {
			continue
		}
		transformed = append(transformed, models.Column{Name: rule.renamed(col.Name), Value: col.Value})
	}

	// Static fields never override row columns
	for _, field := range rule.addFields {
		if _, ok := transformed.Get(field.Name); !ok {
			transformed = append(transformed, field)
		}
	}

	return transformed
}

// keeps applies the include and exclude lists to a source column
func (r *RuleMatcher) keeps(name string) bool {
	lower := strings.ToLower(name)

	if len(r.exclude) > 0 && r.exclude[lower] {
		return false
	}
	if len(r.include) > 0 && !r.include[lower] {
		return false
	}
	return true
}

func (r *RuleMatcher) renamed(name string) string {
	if newName, ok := r.rename[strings.ToLower(name)]; ok {
		return newName
	}
	return name
}

func (r *RuleMatcher) renameAll(names []string) []string {
	if names == nil {
		return nil
	}
	out := make([]string, len(names))
	for i, name := range names {
		out[i] = r.renamed(name)
	}
	return out
}

// matches checks if a rule matches the given database and table
func (r *RuleMatcher) matches(database, table string) bool {
	// Match database (empty = all databases)
	if r.database != "" && !strings.EqualFold(r.database, database) {
		return false
	}

	// Match table (empty = all tables)
	if r.table != "" && !strings.EqualFold(r.table, table) {
		return false
	}

	return true
}

// setupConsoleBindings routes console.* calls from scripts to the logger
func (t *Transformer) setupConsoleBindings(vm *goja.Runtime) error {
	consoleObj := vm.NewObject()

	formatArgs := func(call goja.FunctionCall) string {
		args := make([]interface{}, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.Export()
		}
		return fmt.Sprint(args...)
	}

	bindings := map[string]func(args ...interface{}){
		"log":   t.logger.Info,
		"info":  t.logger.Info,
		"warn":  t.logger.Warn,
		"error": t.logger.Error,
		"debug": t.logger.Debug,
	}

	for name, logFn := range bindings {
		logFn := logFn
		fn := func(call goja.FunctionCall) goja.Value {
			logFn(formatArgs(call))
			return goja.Undefined()
		}
		if err := consoleObj.Set(name, fn); err != nil {
			return fmt.Errorf("failed to set console.%s: %w", name, err)
		}
	}

	if err := vm.Set("console", consoleObj); err != nil {
		return fmt.Errorf("failed to set console object: %w", err)
	}

	return nil
}

// ValidateRules validates processor configuration rules
func ValidateRules(cfg *config.ProcessorConfig) error {
	if cfg == nil || !cfg.Enabled {
		return nil
	}

	if cfg.Script != "" {
		if _, err := os.Stat(cfg.Script); os.IsNotExist(err) {
			return fmt.Errorf("JavaScript script file not found: %s", cfg.Script)
		}
	}

	if cfg.Script != "" && len(cfg.Rules) > 0 {
		return fmt.Errorf("cannot specify both 'script' and 'rules' - script takes precedence")
	}

	for i, rule := range cfg.Rules {
		if len(rule.Include) > 0 && len(rule.Exclude) > 0 {
			return fmt.Errorf("processor rule %d: cannot specify both 'include' and 'exclude' fields", i)
		}

		// With an include list, only included columns can be renamed
		if len(rule.Rename) > 0 && len(rule.Include) > 0 {
			for oldName := range rule.Rename {
				found := false
				for _, inc := range rule.Include {
					if strings.EqualFold(inc, oldName) {
						found = true
						break
					}
				}
				if !found {
					return fmt.Errorf("processor rule %d: rename key '%s' not found in include list", i, oldName)
				}
			}
		}
	}

	return nil
}
