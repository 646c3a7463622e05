package logcollection

import (
	"fmt"
	"time"
)

// LogField represents a structured log field, independent of the zap backend
type LogField struct {
	Key   string
	Value interface{}
	Type  FieldType
}

// FieldType identifies how the field should be encoded
type FieldType int

const (
	StringField FieldType = iota
	IntField
	Int64Field
	BoolField
	DurationField
	ErrorField
	ObjectField
)

func (ft FieldType) String() string {
	switch ft {
	case StringField:
		return "string"
	case IntField:
		return "int"
	case Int64Field:
		return "int64"
	case BoolField:
		return "bool"
	case DurationField:
		return "duration"
	case ErrorField:
		return "error"
	case ObjectField:
		return "object"
	default:
		return "unknown"
	}
}

func String(key, value string) LogField {
	return LogField{Key: key, Value: value, Type: StringField}
}

func Int(key string, value int) LogField {
	return LogField{Key: key, Value: value, Type: IntField}
}

func Int64(key string, value int64) LogField {
	return LogField{Key: key, Value: value, Type: Int64Field}
}

func Bool(key string, value bool) LogField {
	return LogField{Key: key, Value: value, Type: BoolField}
}

func Duration(key string, value time.Duration) LogField {
	return LogField{Key: key, Value: value, Type: DurationField}
}

// Error creates an error field (always uses "error" as key)
func Error(err error) LogField {
	return LogField{Key: "error", Value: err, Type: ErrorField}
}

func Object(key string, value interface{}) LogField {
	return LogField{Key: key, Value: value, Type: ObjectField}
}

// Unit creates a unit_id field
func Unit(unitID string) LogField {
	return String("unit_id", unitID)
}

// Group creates a group_id field
func Group(groupID string) LogField {
	return String("group_id", groupID)
}

// Stream creates a stream field
func Stream(stream StreamType) LogField {
	return String("stream", string(stream))
}

// PID creates a process ID field
func PID(pid int) LogField {
	return Int("pid", pid)
}

// Validate checks if the field has valid key and value
func (f LogField) Validate() error {
	if f.Key == "" {
		return fmt.Errorf("field key cannot be empty")
	}
	if f.Value == nil {
		return fmt.Errorf("field value cannot be nil for key %q", f.Key)
	}
	switch f.Type {
	case ErrorField:
		if _, ok := f.Value.(error); !ok {
			return fmt.Errorf("error field %q must have error value, got %T", f.Key, f.Value)
		}
	case DurationField:
		if _, ok := f.Value.(time.Duration); !ok {
			return fmt.Errorf("duration field %q must have time.Duration value, got %T", f.Key, f.Value)
		}
	}
	return nil
}

func (f LogField) String() string {
	return fmt.Sprintf("%s=%v", f.Key, f.Value)
}
