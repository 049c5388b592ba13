package bencode

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"
	"strconv"
)

// Serialize a ptr to a bencode-encoded byte-slice.
func Serialize(s interface{}) ([]byte, error) {
	val := reflect.ValueOf(s)
	if val.Kind() != reflect.Pointer || val.IsNil() {
		return nil, fmt.Errorf("bencode: expected a non-nil pointer, got %T", s)
	}
	w := &writer{}
	if err := w.writeValue(val.Elem()); err != nil {
		return nil, err
	}
	return w.buf.Bytes(), nil
}

type writer struct {
	buf bytes.Buffer
}

func (w *writer) writeBytes(b []byte) {
	w.buf.WriteString(strconv.Itoa(len(b)))
	w.buf.WriteByte(bytesLengthSep)
	w.buf.Write(b)
}

func (w *writer) writeNumber(s string) {
	w.buf.WriteByte(numberStart)
	w.buf.WriteString(s)
	w.buf.WriteByte(bencodeEnd)
}

func (w *writer) writeValue(v reflect.Value) error {
	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			w.writeNumber("1")
		} else {
			w.writeNumber("0")
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		w.writeNumber(strconv.FormatInt(v.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		w.writeNumber(strconv.FormatUint(v.Uint(), 10))
	case reflect.String:
		w.writeBytes([]byte(v.String()))
	case reflect.Array, reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(b), v)
			w.writeBytes(b)
			return nil
		}
		w.buf.WriteByte(listStart)
		for i := 0; i != v.Len(); i++ {
			if err := w.writeValue(v.Index(i)); err != nil {
				return err
			}
		}
		w.buf.WriteByte(bencodeEnd)
	case reflect.Map:
		return w.writeMap(v)
	case reflect.Struct:
		return w.writeStruct(v)
	case reflect.Pointer:
		if v.IsNil() {
			return fmt.Errorf("bencode: cannot encode nil %s", v.Type())
		}
		return w.writeValue(v.Elem())
	default:
		return fmt.Errorf("bencode: unsupported type %s", v.Type())
	}
	return nil
}

func (w *writer) writeMap(v reflect.Value) error {
	type entry struct {
		key []byte
		val reflect.Value
	}
	entries := make([]entry, 0, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		k, err := keyBytes(iter.Key())
		if err != nil {
			return err
		}
		entries = append(entries, entry{k, iter.Value()})
	}
	sort.Slice(entries, func(i, j int) bool { return bytes.Compare(entries[i].key, entries[j].key) < 0 })

	w.buf.WriteByte(dictStart)
	for _, e := range entries {
		w.writeBytes(e.key)
		if err := w.writeValue(e.val); err != nil {
			return err
		}
	}
	w.buf.WriteByte(bencodeEnd)
	return nil
}

func (w *writer) writeStruct(v reflect.Value) error {
	fields, err := structFields(v.Type())
	if err != nil {
		return err
	}
	w.buf.WriteByte(dictStart)
	for _, f := range fields {
		w.writeBytes([]byte(f.name))
		if err := w.writeValue(v.Field(f.index)); err != nil {
			return fmt.Errorf("bencode: field %s: %w", f.name, err)
		}
	}
	w.buf.WriteByte(bencodeEnd)
	return nil
}
