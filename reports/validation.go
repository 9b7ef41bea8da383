package reports

import (
	"math"
	"sort"

	"fieldsync/models"

	"github.com/gookit/validate"
)

// rules lists the per-kind payload rules in gookit/validate syntax.
var rules = map[models.Kind]map[string]string{
	models.KindIncident: {
		"incident_type": "required|string",
		"severity":      "required|in:low,medium,high,critical",
	},
	models.KindSOS: {
		"emergency_type": "required|string",
	},
	models.KindTrappedCivilians: {
		"count": "required|positiveInt",
	},
	models.KindBlockedRoad: {
		"road_name": "required|string",
		"passable":  "bool",
	},
	models.KindSupplyRequest: {
		"items":   "required",
		"urgency": "in:low,medium,high",
	},
}

// wholeCounts are checked with positiveInt after the rule pass as well:
// gookit/validate skips custom validators for zero values.
var wholeCounts = map[models.Kind][]string{
	models.KindTrappedCivilians: {"count"},
}

const positiveIntMessage = "must be a whole number of at least 1"

// Validate checks a payload against the rules of its kind.
func Validate(kind models.Kind, payload map[string]any) error {
	fieldRules, ok := rules[kind]
	if !ok {
		return models.ErrUnknownKind
	}
	if payload == nil {
		payload = map[string]any{}
	}

	v := validate.Map(payload)
	v.StopOnError = false
	v.AddValidator("positiveInt", positiveInt)
	v.AddMessages(map[string]string{
		"positiveInt": "{field} " + positiveIntMessage,
	})
	for field, rule := range fieldRules {
		v.StringRule(field, rule)
	}

	valid := v.Validate()

	failed := make(map[string][]string)
	for field, msgs := range v.Errors {
		keys := make([]string, 0, len(msgs))
		for k := range msgs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			failed[field] = append(failed[field], msgs[k])
		}
	}
	for _, field := range wholeCounts[kind] {
		val, present := payload[field]
		if !present || len(failed[field]) > 0 || positiveInt(val) {
			continue
		}
		failed[field] = append(failed[field], field+" "+positiveIntMessage)
		valid = false
	}
	if valid {
		return nil
	}

	fields := make([]string, 0, len(failed))
	for field := range failed {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	verr := &models.ValidationError{}
	for _, field := range fields {
		for _, msg := range failed[field] {
			verr.Errors = append(verr.Errors, models.FieldError{Field: field, Message: msg})
		}
	}
	return verr
}

// positiveInt accepts JSON numbers that are whole and at least 1.
func positiveInt(val any) bool {
	switch n := val.(type) {
	case int:
		return n >= 1
	case int64:
		return n >= 1
	case float64:
		return n >= 1 && n == math.Trunc(n) && !math.IsInf(n, 0)
	default:
		return false
	}
}
