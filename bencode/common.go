// This package implements the bencode encoding used on the wire. Struct fields are mapped to dictionary
// keys with `bencode:".."` tags, dictionaries are written with sorted keys and decoding is strict: keys
// must arrive sorted and every tagged field must be present. Fixed-size byte arrays are supported both as
// values and as map keys, which is how identifiers travel.
package bencode

import (
	"fmt"
	"reflect"
	"sort"
)

const (
	numberStart    = 'i'
	dictStart      = 'd'
	listStart      = 'l'
	bencodeEnd     = 'e'
	bytesLengthSep = ':'
)

type field struct {
	name  string
	index int
}

// structFields returns the tagged exported fields of t sorted by tag.
func structFields(t reflect.Type) ([]field, error) {
	fields := make([]field, 0, t.NumField())
	for i := 0; i != t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		tag := f.Tag.Get("bencode")
		if tag == "" {
			return nil, fmt.Errorf("bencode: expected tag on %s.%s", t.Name(), f.Name)
		}
		fields = append(fields, field{tag, i})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].name < fields[j].name })
	return fields, nil
}

// keyBytes renders a map key the way it is written on the wire, which is also its sort order.
func keyBytes(k reflect.Value) ([]byte, error) {
	switch k.Kind() {
	case reflect.String:
		return []byte(k.String()), nil
	case reflect.Array:
		if k.Type().Elem().Kind() != reflect.Uint8 {
			return nil, fmt.Errorf("bencode: unsupported map key %s", k.Type())
		}
		b := make([]byte, k.Len())
		reflect.Copy(reflect.ValueOf(b), k)
		return b, nil
	default:
		return nil, fmt.Errorf("bencode: unsupported map key %s", k.Type())
	}
}
