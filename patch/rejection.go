package patch

import (
	"fmt"
	"time"
)

// ReasonCode classifies why admission rejected a record
type ReasonCode string

const (
	ReasonFilenameTooLong  ReasonCode = "filename-too-long"
	ReasonInvalidExtension ReasonCode = "invalid-extension"
	ReasonUnreadable       ReasonCode = "unreadable"
	ReasonEmpty            ReasonCode = "empty"
	ReasonMalformedPayload ReasonCode = "malformed-payload"
	ReasonSchemaViolation  ReasonCode = "schema-violation"
)

// ReasonCodes is the complete enumeration
var ReasonCodes = []ReasonCode{
	ReasonFilenameTooLong,
	ReasonInvalidExtension,
	ReasonUnreadable,
	ReasonEmpty,
	ReasonMalformedPayload,
	ReasonSchemaViolation,
}

// Valid reports whether c belongs to the enumeration
func (c ReasonCode) Valid() bool {
	for _, known := range ReasonCodes {
		if c == known {
			return true
		}
	}
	return false
}

// RejectionReport is written beside a rejected record
type RejectionReport struct {
	PatchID         string     `json:"patchId"`
	Domain          string     `json:"domain"`
	SourceName      string     `json:"sourceName"`
	ReasonCode      ReasonCode `json:"reasonCode"`
	Message         string     `json:"message"`
	Timestamp       time.Time  `json:"timestamp"`
	OriginalPayload string     `json:"originalPayload"`
}

// RequiredFields are checked in this order; the first failure is reported
var RequiredFields = []string{"id", "description", "target", "version"}

// FieldError names the first required field that is missing or invalid
type FieldError struct {
	Field   string
	Problem string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %q %s", e.Field, e.Problem)
}

// CheckRequired validates the required top-level fields of a parsed document.
// Every required field must be a non-empty string.
func CheckRequired(doc map[string]interface{}) *FieldError {
	for _, field := range RequiredFields {
		v, ok := doc[field]
		if !ok || v == nil {
			return &FieldError{Field: field, Problem: "is missing"}
		}
		s, ok := v.(string)
		if !ok {
			return &FieldError{Field: field, Problem: fmt.Sprintf("must be a string, got %s", jsonType(v))}
		}
		if s == "" {
			return &FieldError{Field: field, Problem: "must not be empty"}
		}
	}
	return nil
}

func jsonType(v interface{}) string {
	switch v.(type) {
	case bool:
		return "boolean"
	case float64:
		return "number"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
