package queue

import (
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

// DefaultItemSize is assumed when a payload cannot be measured
const DefaultItemSize int64 = 1024

// itemOverhead approximates the bookkeeping cost of a queued item
const itemOverhead int64 = 64

// maxWalkDepth bounds the reference walk that runs before encoding
const maxWalkDepth = 64

// Sized is implemented by payloads that know their own size. The value is
// charged as-is, with no bookkeeping overhead added.
type Sized interface {
	SizeBytes() int64
}

// SizeEstimator estimates the in-memory footprint of a payload
type SizeEstimator[T any] interface {
	EstimateSize(payload T) int64
}

// SizeEstimatorFunc adapts a function to SizeEstimator
type SizeEstimatorFunc[T any] func(payload T) int64

// EstimateSize implements SizeEstimator
func (f SizeEstimatorFunc[T]) EstimateSize(payload T) int64 {
	return f(payload)
}

// MsgpackEstimator sizes payloads by their msgpack encoding plus a fixed
// per-item overhead. Payloads implementing Sized report their own size.
// Payloads that reference themselves, nest deeper than maxWalkDepth or fail
// to encode (channels, funcs, panicking custom encoders) are charged
// DefaultItemSize.
type MsgpackEstimator[T any] struct{}

// EstimateSize implements SizeEstimator
func (MsgpackEstimator[T]) EstimateSize(payload T) (size int64) {
	if s, ok := any(payload).(Sized); ok {
		return s.SizeBytes()
	}

	if !walkable(reflect.ValueOf(any(payload)), make(map[refKey]struct{}), 0) {
		return DefaultItemSize
	}

	defer func() {
		if r := recover(); r != nil {
			size = DefaultItemSize
		}
	}()

	b, err := msgpack.Marshal(payload)
	if err != nil {
		return DefaultItemSize
	}
	return int64(len(b)) + itemOverhead
}

type refKey struct {
	ptr uintptr
	typ reflect.Type
}

// walkable follows the exported references of v the way the encoder would
// and reports false on a cycle or when the depth bound is hit. path holds
// the references on the current branch only, so shared but acyclic values
// pass.
func walkable(v reflect.Value, path map[refKey]struct{}, depth int) bool {
	if depth > maxWalkDepth {
		return false
	}

	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice:
		if v.IsNil() {
			return true
		}
		if v.Kind() == reflect.Slice && !mayReference(v.Type().Elem()) {
			return true
		}
		key := refKey{ptr: v.Pointer(), typ: v.Type()}
		if _, seen := path[key]; seen {
			return false
		}
		path[key] = struct{}{}
		defer delete(path, key)
	}

	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return true
		}
		return walkable(v.Elem(), path, depth+1)

	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			if !walkable(v.Field(i), path, depth+1) {
				return false
			}
		}

	case reflect.Slice, reflect.Array:
		if !mayReference(v.Type().Elem()) {
			return true
		}
		for i := 0; i < v.Len(); i++ {
			if !walkable(v.Index(i), path, depth+1) {
				return false
			}
		}

	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			if !walkable(iter.Key(), path, depth+1) || !walkable(iter.Value(), path, depth+1) {
				return false
			}
		}
	}
	return true
}

// mayReference reports whether values of t can hold pointers, maps, slices
// or interfaces
func mayReference(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return true
	case reflect.Array:
		return mayReference(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if t.Field(i).IsExported() && mayReference(t.Field(i).Type) {
				return true
			}
		}
	}
	return false
}
