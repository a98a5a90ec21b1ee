// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package transform constructs wire.Transform values for message bodies of
// ordinary Go types, and adapts typed functions to the commux.Handler type.
//
// A body type may be []byte or string, or a type whose pointer supports one
// of the encoding.BinaryUnmarshaler or encoding.TextUnmarshaler interfaces and
// whose value supports the corresponding marshaler interface.
package transform

import (
	"bytes"
	"encoding"
	"fmt"

	"github.com/creachadair/commux"
	"github.com/creachadair/commux/wire"
)

// For returns a transform for message bodies of type T. The Object of a
// message sent with the transform may be a T or a *T; the Object of a
// message decoded with it is a T.
func For[T any]() wire.Transform {
	return wire.Transform{
		Length: func(m *wire.Message) int {
			data, err := marshal(m.Object)
			if err != nil {
				return -1
			}
			return len(data)
		},
		Serialize: func(dst []byte, m *wire.Message) error {
			data, err := marshal(m.Object)
			if err != nil {
				return err
			} else if len(data) != len(dst) {
				return fmt.Errorf("encoded length %d changed to %d", len(dst), len(data))
			}
			copy(dst, data)
			return nil
		},
		Deserialize: func(src []byte, m *wire.Message) error {
			var v T
			if err := unmarshal(src, &v); err != nil {
				return err
			}
			m.Object = v
			return nil
		},
	}
}

// Register registers a transform for bodies of type T under id in r.
func Register[T any](r *wire.Registry, id uint32) error { return r.Register(id, For[T]()) }

// Body returns the body of msg as a T. It reports an error if msg has no body
// or the body has a different type.
func Body[T any](msg *wire.Message) (T, error) {
	switch v := msg.Object.(type) {
	case T:
		return v, nil
	case *T:
		if v != nil {
			return *v, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("message %d: body is %T, not %T", msg.ID, msg.Object, zero)
}

// Handler adapts a function f that accepts a body of type T to a
// commux.Handler. Messages whose body is not a T, including feedback
// responses that carry no body, are passed to onErr if it is non-nil.
func Handler[T any](f func(src string, msg *wire.Message, body T), onErr func(src string, msg *wire.Message, err error)) commux.Handler {
	return func(src string, msg *wire.Message) {
		if wire.IsFeedback(msg.ErrorNo) {
			if onErr != nil {
				onErr(src, msg, fmt.Errorf("message %d: peer reported error %d", msg.ID, msg.ErrorNo))
			}
			return
		}
		body, err := Body[T](msg)
		if err != nil {
			if onErr != nil {
				onErr(src, msg, err)
			}
			return
		}
		f(src, msg, body)
	}
}

// unmarshal decodes data into v. The concrete type of v must be a pointer to a
// []byte or string, or must implement either the encoding.BinaryUnmarshaler
// interface or the encoding.TextUnmarshaler interface.  If v implements both,
// BinaryUnmarshaler is preferred. The data are copied.
func unmarshal(data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = bytes.Clone(data)
	case *string:
		*t = string(data)
	case encoding.BinaryUnmarshaler:
		return t.UnmarshalBinary(bytes.Clone(data))
	case encoding.TextUnmarshaler:
		return t.UnmarshalText(bytes.Clone(data))
	default:
		return fmt.Errorf("cannot unmarshal into %T", v)
	}
	return nil
}

// marshal encodes v into data. The concrete type of v must be a []byte or
// string (or a pointer to these); otherwise it must implement either the
// encoding.BinaryMarshaler interface or the encoding.TextMarshaler
// interface. If v implements both, BinaryMarshaler is preferred.
func marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case *[]byte:
		if t == nil {
			return nil, nil
		}
		return *t, nil
	case string:
		return []byte(t), nil
	case *string:
		if t == nil {
			return nil, nil
		}
		return []byte(*t), nil
	case encoding.BinaryMarshaler:
		return t.MarshalBinary()
	case encoding.TextMarshaler:
		return t.MarshalText()
	default:
		return nil, fmt.Errorf("cannot marshal %T", v)
	}
}
