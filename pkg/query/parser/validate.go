package parser

import (
	"fmt"
	"sort"
	"strings"

	"github.com/meterlab/ammeter-pu/pkg/entities"
)

/*

Type-checks the untyped tree against the anomaly event domain.

Grammar rule: [identifier.]key operator value

A bare key addresses the event itself. The meter identifier addresses the
meter an event was detected on.

Numeric keys compare against numbers with =, !=, <, <=, >, >=.
String keys compare against quoted strings and also allow LIKE, ILIKE,
IN and NOT IN.

*/

type ValidIdentifier int

const (
	Event ValidIdentifier = iota
	Meter
)

func (v ValidIdentifier) String() string {
	switch v {
	case Event:
		return "event"
	case Meter:
		return "meter"
	default:
		return "unknown"
	}
}

type ValidCompareExpr struct {
	Identifier ValidIdentifier
	// Key is the column name on the table the identifier refers to.
	Key      string
	Operator OperatorKind
	Value    any
}

type ValidationError struct {
	message string
}

func (e *ValidationError) Error() string {
	return e.message
}

func NewValidationError(format string, a ...any) *ValidationError {
	return &ValidationError{message: fmt.Sprintf(format, a...)}
}

type keyKind int

const (
	numericKey keyKind = iota
	stringKey
)

type column struct {
	name string
	kind keyKind
}

//nolint:gochecknoglobals
var eventKeys = map[string]column{
	"event_id":      {"id", stringKey},
	"meter_id":      {"meter_id", stringKey},
	"line":          {"line", stringKey},
	"status":        {"status", stringKey},
	"note":          {"note", stringKey},
	"score":         {"score", numericKey},
	"peak_value":    {"peak_value", numericKey},
	"baseline_mean": {"baseline_mean", numericKey},
	"baseline_std":  {"baseline_std", numericKey},
	"peer_ratio":    {"peer_ratio", numericKey},
	"point_count":   {"point_count", numericKey},
	"start_time":    {"start_time", numericKey},
	"end_time":      {"end_time", numericKey},
}

//nolint:gochecknoglobals
var meterKeys = map[string]column{
	"name":     {"name", stringKey},
	"location": {"location", stringKey},
}

func parseValidIdentifier(identifier string) (ValidIdentifier, error) {
	switch strings.ToLower(identifier) {
	case "", "event", "events", "attr", "attribute", "attributes":
		return Event, nil
	case "meter", "meters":
		return Meter, nil
	default:
		return -1, NewValidationError("invalid identifier %q, expected event or meter", identifier)
	}
}

func allowedKeys(keys map[string]column) string {
	names := make([]string, 0, len(keys))
	for name := range keys {
		names = append(names, name)
	}

	sort.Strings(names)

	return strings.Join(names, ", ")
}

func lookupKey(identifier ValidIdentifier, key string) (column, error) {
	keys := eventKeys
	if identifier == Meter {
		keys = meterKeys
	}

	col, ok := keys[strings.ToLower(key)]
	if !ok {
		return column{}, NewValidationError(
			"invalid %s key %q. Allowed values are %s", identifier, key, allowedKeys(keys),
		)
	}

	return col, nil
}

func validateNumeric(key string, operator OperatorKind, value Value) (any, error) {
	switch operator {
	case Like, ILike, In, NotIn:
		return nil, NewValidationError("operator %s is not supported for numeric key %s", operator, key)
	case Equals, NotEquals, Less, LessEquals, Greater, GreaterEquals:
	}

	if _, ok := value.(NumberExpr); !ok {
		return nil, NewValidationError("expected numeric value for %s. Found %s", key, value)
	}

	return value.value(), nil
}

func validateString(key string, operator OperatorKind, value Value) (any, error) {
	switch operator {
	case Less, LessEquals, Greater, GreaterEquals:
		return nil, NewValidationError("operator %s is not supported for string key %s", operator, key)
	case Equals, NotEquals, Like, ILike, In, NotIn:
	}

	switch typed := value.(type) {
	case StringExpr:
		if key == "status" && operator != Like && operator != ILike {
			if err := validateStatus(typed.Value); err != nil {
				return nil, err
			}
		}
	case StringListExpr:
		if key == "status" {
			for _, status := range typed.Values {
				if err := validateStatus(status); err != nil {
					return nil, err
				}
			}
		}
	default:
		return nil, NewValidationError("expected a quoted string value for %s. Found %s", key, value)
	}

	return value.value(), nil
}

func validateStatus(status string) error {
	if !entities.EventStatus(status).Valid() {
		return NewValidationError("invalid event status %q", status)
	}

	return nil
}

// ValidateExpression checks that an expression addresses a known key and that
// its operator and value fit the type of that key.
func ValidateExpression(expression *CompareExpr) (*ValidCompareExpr, error) {
	identifier, err := parseValidIdentifier(expression.Left.Identifier)
	if err != nil {
		return nil, fmt.Errorf("error on parsing filter expression: %w", err)
	}

	col, err := lookupKey(identifier, expression.Left.Key)
	if err != nil {
		return nil, fmt.Errorf("error on parsing filter expression: %w", err)
	}

	var value any

	if col.kind == numericKey {
		value, err = validateNumeric(col.name, expression.Operator, expression.Right)
	} else {
		value, err = validateString(col.name, expression.Operator, expression.Right)
	}

	if err != nil {
		return nil, fmt.Errorf("error on parsing filter expression: %w", err)
	}

	return &ValidCompareExpr{
		Identifier: identifier,
		Key:        col.name,
		Operator:   expression.Operator,
		Value:      value,
	}, nil
}
