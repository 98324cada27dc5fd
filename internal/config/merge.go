package config

import "reflect"

// MergeNonZero returns a copy of base with every non-zero field in overlay
// applied on top. Strings, numbers and durations override when non-zero,
// bools always override, slices override when non-empty, pointers when
// non-nil, and nested structs are recursed.
//
// Used to fill defaults into a programmatically built config.
func MergeNonZero[T any](base, overlay T) T {
	result := base
	mergeValue(reflect.ValueOf(&result).Elem(), reflect.ValueOf(&overlay).Elem())
	return result
}

func mergeValue(dst, src reflect.Value) {
	if dst.Kind() == reflect.Struct {
		mergeStruct(dst, src)
		return
	}
	if !src.IsZero() {
		dst.Set(src)
	}
}

func mergeStruct(dst, src reflect.Value) {
	for i := 0; i < dst.NumField(); i++ {
		df, sf := dst.Field(i), src.Field(i)
		if !df.CanSet() {
			continue
		}

		switch df.Kind() {
		case reflect.Bool:
			df.SetBool(sf.Bool())
		case reflect.Struct:
			mergeValue(df, sf)
		case reflect.Slice:
			if sf.Len() > 0 {
				df.Set(sf)
			}
		default:
			if !sf.IsZero() {
				df.Set(sf)
			}
		}
	}
}
