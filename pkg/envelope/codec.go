// Package envelope builds the on-the-wire JSON payload for a source
// document: a relaxed BSON-to-JSON projection plus three metadata fields
// that always win over same-named document fields.
package envelope

import (
	"encoding/base64"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Metadata is the set of fields overwritten onto every envelope, as
// top-level keys, after the document is projected.
type Metadata struct {
	Operation string
	Source    string
	Timestamp time.Time
}

// Build projects doc into a JSON-ready map via Relax, then overwrites
// _operation, _source and _timestamp. Metadata always wins over any
// same-named field already present in doc.
func Build(doc bson.M, meta Metadata) map[string]interface{} {
	out, ok := Relax(doc).(map[string]interface{})
	if !ok {
		out = make(map[string]interface{})
	}
	out["_operation"] = meta.Operation
	out["_source"] = meta.Source
	out["_timestamp"] = meta.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z")
	return out
}

// Relax walks a BSON value recursively and returns its relaxed JSON-ready
// form: ObjectIDs become hex strings, datetimes become ISO-8601 UTC
// millisecond strings, Decimal128 becomes its string form, and binary
// becomes a base64 string. Maps and slices are copied into plain
// map[string]interface{} / []interface{}; everything else passes through
// unchanged, matching the teacher's convertBSONToMap generalized into a
// deep walk.
func Relax(v interface{}) interface{} {
	switch val := v.(type) {
	case bson.M:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = Relax(item)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = Relax(item)
		}
		return out
	case bson.D:
		out := make(map[string]interface{}, len(val))
		for _, elem := range val {
			out[elem.Key] = Relax(elem.Value)
		}
		return out
	case bson.A:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = Relax(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = Relax(item)
		}
		return out
	case primitive.ObjectID:
		return val.Hex()
	case primitive.DateTime:
		return val.Time().UTC().Format("2006-01-02T15:04:05.000Z")
	case time.Time:
		return val.UTC().Format("2006-01-02T15:04:05.000Z")
	case primitive.Decimal128:
		return val.String()
	case primitive.Binary:
		return base64.StdEncoding.EncodeToString(val.Data)
	default:
		return val
	}
}

// StringifyID renders a document's identifier as a string for use as the
// egress partition key: the vuid field if present, else _id, else the
// literal "null" if neither resolves.
func StringifyID(doc bson.M) string {
	if v, ok := doc["vuid"]; ok && v != nil {
		return Stringify(v)
	}
	if v, ok := doc["_id"]; ok && v != nil {
		return Stringify(v)
	}
	return "null"
}

// Stringify renders a single BSON scalar as a string, matching the
// identifier forms used elsewhere in the envelope (hex ObjectIDs, plain
// scalars via fmt-style formatting).
func Stringify(v interface{}) string {
	switch val := v.(type) {
	case primitive.ObjectID:
		return val.Hex()
	case string:
		return val
	default:
		relaxed := Relax(val)
		if s, ok := relaxed.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", relaxed)
	}
}
