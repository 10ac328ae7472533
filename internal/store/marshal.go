package store

import (
	"database/sql"
	"fmt"

	"github.com/roach88/warden/internal/ir"
)

// marshalObject stores objects as canonical JSON so the stored text is
// byte-stable and can be re-hashed directly.
func marshalObject(obj ir.Object) (string, error) {
	if obj == nil {
		obj = ir.Object{}
	}
	data, err := ir.MarshalCanonical(obj)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func marshalNullObject(obj ir.Object) (sql.NullString, error) {
	if obj == nil {
		return sql.NullString{}, nil
	}
	s, err := marshalObject(obj)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: s, Valid: true}, nil
}

func unmarshalObject(data string) (ir.Object, error) {
	if data == "" || data == "{}" {
		return ir.Object{}, nil
	}
	obj, err := ir.ParseObject([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal object: %w", err)
	}
	return obj, nil
}

func unmarshalNullObject(ns sql.NullString) (ir.Object, error) {
	if !ns.Valid {
		return nil, nil
	}
	return unmarshalObject(ns.String)
}
