// Package payload converts queue message bodies to and from the parameter
// types accepted by queue-triggered functions.
//
// Protobuf messages use protojson, []byte and string parameters receive the
// raw body, and everything else goes through the sonic-backed JSON codec.
package payload

import (
	"errors"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/queuehost/internal/runtime/jsoncodec"
)

var protoMessageType = reflect.TypeOf((*proto.Message)(nil)).Elem()

var protoUnmarshal = protojson.UnmarshalOptions{DiscardUnknown: true}

// ErrNilType is returned when Decode is asked for no type at all.
var ErrNilType = errors.New("payload: target type is nil")

// Decode builds a value of typ from data.
func Decode(data []byte, typ reflect.Type) (reflect.Value, error) {
	if typ == nil {
		return reflect.Value{}, ErrNilType
	}

	switch {
	case isBytes(typ):
		out := make([]byte, len(data))
		copy(out, data)
		return reflect.ValueOf(out).Convert(typ), nil
	case typ.Kind() == reflect.String:
		v := reflect.New(typ).Elem()
		v.SetString(string(data))
		return v, nil
	case typ.Kind() == reflect.Pointer && typ.Implements(protoMessageType):
		v := reflect.New(typ.Elem())
		msg, ok := v.Interface().(proto.Message)
		if !ok {
			return reflect.Value{}, fmt.Errorf("payload: %s is not a proto message", typ)
		}
		if err := protoUnmarshal.Unmarshal(data, msg); err != nil {
			return reflect.Value{}, fmt.Errorf("payload: decode %s: %w", typ, err)
		}
		return v, nil
	default:
		if !jsoncodec.Valid(data) {
			return reflect.Value{}, fmt.Errorf("payload: body is not valid JSON for %s", typ)
		}
		ptr := reflect.New(typ)
		if err := jsoncodec.Unmarshal(data, ptr.Interface()); err != nil {
			return reflect.Value{}, fmt.Errorf("payload: decode %s: %w", typ, err)
		}
		return ptr.Elem(), nil
	}
}

// DecodeInto decodes data as a T.
func DecodeInto[T any](data []byte) (T, error) {
	var zero T
	v, err := Decode(data, reflect.TypeFor[T]())
	if err != nil {
		return zero, err
	}
	out, ok := v.Interface().(T)
	if !ok {
		return zero, fmt.Errorf("payload: decoded %s, want %T", v.Type(), zero)
	}
	return out, nil
}

// Encode is the inverse of Decode.
func Encode(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return nil, errors.New("payload: cannot encode nil")
	case proto.Message:
		return protojson.Marshal(val)
	case []byte:
		out := make([]byte, len(val))
		copy(out, val)
		return out, nil
	case string:
		return []byte(val), nil
	}

	rv := reflect.ValueOf(v)
	switch {
	case isBytes(rv.Type()):
		return rv.Bytes(), nil
	case rv.Kind() == reflect.String:
		return []byte(rv.String()), nil
	}
	return jsoncodec.Marshal(v)
}

func isBytes(typ reflect.Type) bool {
	return typ.Kind() == reflect.Slice && typ.Elem().Kind() == reflect.Uint8
}
