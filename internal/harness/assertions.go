package harness

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/warden/internal/audit"
	"github.com/roach88/warden/internal/ir"
	"github.com/roach88/warden/internal/store"
)

// validIdentifier matches valid SQL identifiers (table/column names).
// Identifiers cannot be bound as parameters, so they are checked against
// this pattern before being interpolated.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nAudit trail:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  %s\n", event.Line())
		}
	}
	return buf.String()
}

// matches reports whether event satisfies the assertion's action, actor,
// request and outcome, ignoring those left empty.
func matches(event TraceEvent, a Assertion) bool {
	if event.Action != a.Action {
		return false
	}
	if a.Actor != "" && event.Actor != a.Actor {
		return false
	}
	if a.Request != "" && event.Resource != audit.ResourceApproval+"/"+a.Request {
		return false
	}
	if a.Outcome != "" && event.Outcome != a.Outcome {
		return false
	}
	return true
}

// assertAuditContains checks that some event matches the assertion.
func assertAuditContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if matches(event, assertion) {
			return nil
		}
	}

	want := assertion.Action
	if assertion.Actor != "" {
		want += " by " + assertion.Actor
	}
	if assertion.Request != "" {
		want += " on " + assertion.Request
	}
	if assertion.Outcome != "" {
		want += " with outcome " + assertion.Outcome
	}
	return &AssertionError{
		Type:     AssertAuditContains,
		Expected: want,
		Actual:   "not found in audit trail",
		Trace:    trace,
	}
}

// assertAuditOrder checks that actions first appear in the given order.
// Other events may come between them.
func assertAuditOrder(trace []TraceEvent, assertion Assertion) error {
	positions := make(map[string]int)
	for i, event := range trace {
		if positions[event.Action] == 0 {
			positions[event.Action] = i + 1
		}
	}

	for _, action := range assertion.Actions {
		if positions[action] == 0 {
			return &AssertionError{
				Type:     AssertAuditOrder,
				Expected: fmt.Sprintf("all actions present: %v", assertion.Actions),
				Actual:   fmt.Sprintf("missing action: %s", action),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Actions); i++ {
		prev := assertion.Actions[i-1]
		curr := assertion.Actions[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertAuditOrder,
				Expected: fmt.Sprintf("actions in order: %v", assertion.Actions),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertAuditCount checks that the action appears exactly Count times.
func assertAuditCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Action == assertion.Action {
			count++
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertAuditCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Action),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertAuditIntact verifies the ledger's hash chain.
func assertAuditIntact(ctx context.Context, ledger *audit.Ledger) error {
	rep, err := ledger.Verify(ctx)
	if err != nil {
		return &AssertionError{
			Type:     AssertAuditIntact,
			Expected: "intact hash chain",
			Actual:   err.Error(),
		}
	}
	if !rep.OK {
		return &AssertionError{
			Type:     AssertAuditIntact,
			Expected: "intact hash chain",
			Actual:   fmt.Sprintf("broken at seq %d: %s", rep.BrokenAt, rep.Reason),
		}
	}
	return nil
}

// assertConnectorCalls checks the number of live calls a connector made.
func assertConnectorCalls(calls map[string]int, assertion Assertion) error {
	if got := calls[assertion.Connector]; got != assertion.Count {
		return &AssertionError{
			Type:     AssertConnectorCalls,
			Expected: fmt.Sprintf("%d live calls to %s", assertion.Count, assertion.Connector),
			Actual:   fmt.Sprintf("%d calls", got),
		}
	}
	return nil
}

// assertFinalState checks that exactly one row of the table matches Where
// and that it holds the expected values.
func assertFinalState(ctx context.Context, st *store.Store, assertion Assertion) error {
	if assertion.Table == "" {
		return fmt.Errorf("final_state assertion requires table name")
	}
	if !validIdentifier.MatchString(assertion.Table) {
		return fmt.Errorf("invalid table name %q: must match pattern %s", assertion.Table, validIdentifier.String())
	}

	whereSQL, whereArgs, err := buildWhereClause(assertion.Where)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("SELECT * FROM %s", assertion.Table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	rows, err := st.DB().QueryContext(ctx, query, whereArgs...)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query table %s", assertion.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("get columns: %w", err)
	}

	if !rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   "row not found",
		}
	}

	values := make([]any, len(columns))
	valuePtrs := make([]any, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}
	if err := rows.Scan(valuePtrs...); err != nil {
		return fmt.Errorf("scan row: %w", err)
	}

	if rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   "multiple rows matched (assertion is ambiguous)",
		}
	}

	actualRow := make(map[string]any, len(columns))
	for i, col := range columns {
		actualRow[col] = values[i]
	}

	keys := make([]string, 0, len(assertion.Expect))
	for k := range assertion.Expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		expectedValue := assertion.Expect[key]
		actualValue, exists := actualRow[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in result columns: %v", key, columns),
			}
		}
		if !stateValuesEqual(expectedValue, actualValue) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v (type %T)", key, expectedValue, expectedValue),
				Actual:   fmt.Sprintf("field %q = %v (type %T)", key, actualValue, actualValue),
			}
		}
	}
	return nil
}

// buildWhereClause constructs a parameterized WHERE clause. Keys are sorted
// so the same assertion always produces the same query.
func buildWhereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}

	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		clauses = append(clauses, fmt.Sprintf("%s = ?", key))
		args = append(args, toSQLValue(where[key]))
	}
	return strings.Join(clauses, " AND "), args, nil
}

// toSQLValue converts a scenario value to a SQL argument.
func toSQLValue(v any) any {
	switch val := v.(type) {
	case ir.String:
		return string(val)
	case ir.Int:
		return int64(val)
	case ir.Bool:
		return boolInt(bool(val))
	case bool:
		return boolInt(val)
	case string, int, int64:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}

	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// stateValuesEqual compares an expected scenario value with a value read
// from SQLite, which returns TEXT as string or []byte, INTEGER as int64 and
// stores booleans as 0/1.
func stateValuesEqual(expected, actual any) bool {
	if b, ok := actual.([]byte); ok {
		actual = string(b)
	}
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}

	switch exp := expected.(type) {
	case ir.String:
		expected = string(exp)
	case ir.Int:
		expected = int64(exp)
	case ir.Bool:
		expected = bool(exp)
	}

	switch exp := expected.(type) {
	case string:
		actualStr, ok := actual.(string)
		return ok && exp == actualStr
	case int:
		actualInt, ok := actual.(int64)
		return ok && int64(exp) == actualInt
	case int64:
		actualInt, ok := actual.(int64)
		return ok && exp == actualInt
	case bool:
		if actualBool, ok := actual.(bool); ok {
			return exp == actualBool
		}
		actualInt, ok := actual.(int64)
		return ok && exp == (actualInt != 0)
	}

	return reflect.DeepEqual(expected, actual)
}

// AssertionContext provides the store and ledger for assertions that read
// them.
type AssertionContext struct {
	Store  *store.Store
	Ledger *audit.Ledger
	Ctx    context.Context
}

// EvaluateAssertions evaluates all assertions against the result and
// returns a message for each that failed.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertAuditContains:
			err = assertAuditContains(result.Trace, assertion)
		case AssertAuditOrder:
			err = assertAuditOrder(result.Trace, assertion)
		case AssertAuditCount:
			err = assertAuditCount(result.Trace, assertion)
		case AssertConnectorCalls:
			err = assertConnectorCalls(result.Calls, assertion)
		case AssertAuditIntact:
			if actx == nil || actx.Ledger == nil {
				err = fmt.Errorf("assertion[%d]: audit_intact requires a ledger", i)
			} else {
				err = assertAuditIntact(actx.Ctx, actx.Ledger)
			}
		case AssertFinalState:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires database context", i)
			} else {
				err = assertFinalState(actx.Ctx, actx.Store, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}
	return errors
}
