package http

import (
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Request body schemas. They check shape only; value rules such as
// token arithmetic and rate bounds are enforced by the domain.

type schemaDef = map[string]any

func object(required []string, props schemaDef) schemaDef {
	s := schemaDef{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// closed rejects properties the schema does not name.
func closed(s schemaDef) schemaDef {
	s["additionalProperties"] = false
	return s
}

func typed(t any) schemaDef { return schemaDef{"type": t} }

func enum(values ...string) schemaDef {
	return schemaDef{"type": "string", "enum": values}
}

var (
	nullableString  = typed([]string{"string", "null"})
	nullableInteger = typed([]string{"integer", "null"})
	nullableBoolean = typed([]string{"boolean", "null"})
	dateTime        = schemaDef{"type": "string", "format": "date-time"}
	rateMap         = schemaDef{"type": "object", "additionalProperties": typed("number")}
)

var eventSchema = mustSchema(closed(object([]string{"request_id", "provider", "model"}, schemaDef{
	"request_id":        typed("string"),
	"timestamp":         dateTime,
	"provider":          typed("string"),
	"model":             typed("string"),
	"application":       typed("string"),
	"environment":       typed("string"),
	"latency_ms":        typed("number"),
	"status":            enum("success", "error"),
	"inference_time":    typed("number"),
	"success":           nullableBoolean,
	"prompt_tokens":     typed("integer"),
	"completion_tokens": typed("integer"),
	"total_tokens":      typed("integer"),
	"estimated_cost":    typed("number"),
	"memory_used":       nullableInteger,
	"error":             nullableString,
	"storage_object_id": typed("string"),
	"metadata":          typed([]string{"object", "null"}),
})))

var alertConfigSchema = mustSchema(object([]string{"name", "thresholds"}, schemaDef{
	"name":       typed("string"),
	"enabled":    nullableBoolean,
	"alert_type": typed("string"),
	"severity":   typed("string"),
	"thresholds": schemaDef{
		"type": "array",
		"items": object([]string{"metric", "operator", "value"}, schemaDef{
			"metric":           typed("string"),
			"operator":         enum(">", ">=", "<", "<=", "=="),
			"value":            typed("number"),
			"duration_minutes": typed("integer"),
		}),
	},
	"filters": object(nil, schemaDef{
		"provider":    typed("string"),
		"model":       typed("string"),
		"application": typed("string"),
		"environment": typed("string"),
	}),
	"notify_targets": schemaDef{
		"type": "array",
		"items": object([]string{"type"}, schemaDef{
			"type":   typed("string"),
			"url":    typed("string"),
			"secret": typed("string"),
		}),
	},
	"match":          enum("all", "any"),
	"condition":      typed("string"),
	"window_minutes": typed("integer"),
	"group_by":       schemaDef{"type": "array", "items": typed("string")},
}))

var policySchema = mustSchema(object(nil, schemaDef{
	"retention": object(nil, schemaDef{
		"metrics_days":          typed("integer"),
		"requests_days":         typed("integer"),
		"anomalies_days":        typed("integer"),
		"hallucinations_days":   typed("integer"),
		"raw_data_days":         typed("integer"),
		"aggregated_data_days":  typed("integer"),
		"alert_events_days":     typed("integer"),
		"strict_metrics_cutoff": typed("boolean"),
	}),
	"sampling": object(nil, schemaDef{
		"rate":         typed("number"),
		"applications": rateMap,
		"models":       rateMap,
	}),
}))

var hallucinationSchema = mustSchema(object([]string{"request_id", "score"}, schemaDef{
	"request_id":  typed("string"),
	"timestamp":   dateTime,
	"provider":    typed("string"),
	"model":       typed("string"),
	"application": typed("string"),
	"score":       typed("number"),
	"reason":      typed("string"),
}))

func mustSchema(def schemaDef) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def))
	if err != nil {
		panic("invalid request schema: " + err.Error())
	}
	return s
}

// validateBody checks body against schema. Failures are returned as bad requests.
func validateBody(schema *gojsonschema.Schema, body []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return errBadRequest("invalid JSON body")
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return errBadRequest("invalid request body: %s", strings.Join(msgs, "; "))
}
