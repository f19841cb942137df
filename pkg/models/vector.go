package models

import (
	"database/sql/driver"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Vector is a pgvector column value. It serializes to the textual
// "[x,y,z]" form pgvector accepts and parses the same form back.
type Vector []float32

// Value implements driver.Valuer
func (v Vector) Value() (driver.Value, error) {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String(), nil
}

// Scan implements sql.Scanner
func (v *Vector) Scan(src any) error {
	var raw string
	switch t := src.(type) {
	case nil:
		*v = nil
		return nil
	case []byte:
		raw = string(t)
	case string:
		raw = t
	default:
		return errors.Errorf("cannot scan %T into Vector", src)
	}

	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "[") || !strings.HasSuffix(raw, "]") {
		return errors.Errorf("malformed vector literal %q", raw)
	}
	raw = raw[1 : len(raw)-1]
	if raw == "" {
		*v = Vector{}
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make(Vector, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return errors.Wrap(err, "parsing vector element")
		}
		out = append(out, float32(f))
	}
	*v = out
	return nil
}

// Dims returns the dimensionality of the vector.
func (v Vector) Dims() int {
	return len(v)
}
