package bencode

import (
	"bytes"
	"fmt"
	"reflect"
	"strconv"
)

type DecodeError struct {
	msg string
}

func newDecodeError(msg string, vars ...interface{}) *DecodeError {
	return &DecodeError{fmt.Sprintf(msg, vars...)}
}

func (e *DecodeError) Error() string {
	return e.msg
}

// Given the target pointer, decode the byte slice into it.
func Deserialize(buf []byte, t interface{}) error {
	val := reflect.ValueOf(t)
	if val.Kind() != reflect.Pointer || val.IsNil() {
		return fmt.Errorf("bencode: expected a non-nil pointer, got %T", t)
	}
	r := &reader{buf: buf}
	if err := r.readValue(val.Elem()); err != nil {
		return err
	}
	if r.pos != len(r.buf) {
		return newDecodeError("expected to be at end of buffer, %d bytes left", len(r.buf)-r.pos)
	}
	return nil
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) peek() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, newDecodeError("unexpected end of buffer at pos %d", r.pos)
	}
	return r.buf[r.pos], nil
}

func (r *reader) expectByte(b byte) error {
	c, err := r.peek()
	if err != nil {
		return err
	}
	if c != b {
		return newDecodeError("expected %q at pos %d, got %q", b, r.pos, c)
	}
	r.pos++
	return nil
}

func (r *reader) readNumber() (string, error) {
	if err := r.expectByte(numberStart); err != nil {
		return "", err
	}
	end := bytes.IndexByte(r.buf[r.pos:], bencodeEnd)
	if end == -1 {
		return "", newDecodeError("unterminated number at pos %d", r.pos)
	}
	s := string(r.buf[r.pos : r.pos+end])
	r.pos += end + 1
	return s, nil
}

func (r *reader) readBytes() ([]byte, error) {
	sep := bytes.IndexByte(r.buf[r.pos:], bytesLengthSep)
	if sep == -1 {
		return nil, newDecodeError("expected byte string at pos %d", r.pos)
	}
	n, err := strconv.ParseUint(string(r.buf[r.pos:r.pos+sep]), 10, 31)
	if err != nil {
		return nil, newDecodeError("invalid length at pos %d: %s", r.pos, err)
	}
	start := r.pos + sep + 1
	if uint64(len(r.buf)-start) < n {
		return nil, newDecodeError("byte string of length %d overruns buffer at pos %d", n, r.pos)
	}
	r.pos = start + int(n)
	return r.buf[start:r.pos], nil
}

func (r *reader) readValue(v reflect.Value) error {
	switch v.Kind() {
	case reflect.Bool:
		s, err := r.readNumber()
		if err != nil {
			return err
		}
		switch s {
		case "0":
			v.SetBool(false)
		case "1":
			v.SetBool(true)
		default:
			return newDecodeError("invalid bool %q", s)
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		s, err := r.readNumber()
		if err != nil {
			return err
		}
		n, err := strconv.ParseInt(s, 10, v.Type().Bits())
		if err != nil {
			return newDecodeError("invalid %s %q: %s", v.Type(), s, err)
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		s, err := r.readNumber()
		if err != nil {
			return err
		}
		n, err := strconv.ParseUint(s, 10, v.Type().Bits())
		if err != nil {
			return newDecodeError("invalid %s %q: %s", v.Type(), s, err)
		}
		v.SetUint(n)
	case reflect.String:
		b, err := r.readBytes()
		if err != nil {
			return err
		}
		v.SetString(string(b))
	case reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b, err := r.readBytes()
			if err != nil {
				return err
			}
			if len(b) != v.Len() {
				return newDecodeError("expected %d bytes for %s, got %d", v.Len(), v.Type(), len(b))
			}
			reflect.Copy(v, reflect.ValueOf(b))
			return nil
		}
		return r.readList(v)
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b, err := r.readBytes()
			if err != nil {
				return err
			}
			v.SetBytes(bytes.Clone(b))
			return nil
		}
		return r.readList(v)
	case reflect.Map:
		return r.readMap(v)
	case reflect.Struct:
		return r.readStruct(v)
	case reflect.Pointer:
		p := reflect.New(v.Type().Elem())
		if err := r.readValue(p.Elem()); err != nil {
			return err
		}
		v.Set(p)
	default:
		return fmt.Errorf("bencode: unsupported type %s", v.Type())
	}
	return nil
}

func (r *reader) readList(v reflect.Value) error {
	if err := r.expectByte(listStart); err != nil {
		return err
	}
	isSlice := v.Kind() == reflect.Slice
	if isSlice {
		v.Set(reflect.MakeSlice(v.Type(), 0, 0))
	}
	for i := 0; ; i++ {
		c, err := r.peek()
		if err != nil {
			return err
		}
		if c == bencodeEnd {
			r.pos++
			if !isSlice && i != v.Len() {
				return newDecodeError("expected %d elements for %s, got %d", v.Len(), v.Type(), i)
			}
			return nil
		}
		if isSlice {
			elem := reflect.New(v.Type().Elem()).Elem()
			if err := r.readValue(elem); err != nil {
				return err
			}
			v.Set(reflect.Append(v, elem))
		} else {
			if i >= v.Len() {
				return newDecodeError("too many elements for %s", v.Type())
			}
			if err := r.readValue(v.Index(i)); err != nil {
				return err
			}
		}
	}
}

func (r *reader) readMap(v reflect.Value) error {
	if err := r.expectByte(dictStart); err != nil {
		return err
	}
	kt := v.Type().Key()
	v.Set(reflect.MakeMap(v.Type()))
	var last []byte
	for {
		c, err := r.peek()
		if err != nil {
			return err
		}
		if c == bencodeEnd {
			r.pos++
			return nil
		}
		kb, err := r.readBytes()
		if err != nil {
			return err
		}
		if last != nil && bytes.Compare(last, kb) >= 0 {
			return newDecodeError("dictionary keys out of order at pos %d", r.pos)
		}
		last = kb

		key := reflect.New(kt).Elem()
		switch {
		case kt.Kind() == reflect.String:
			key.SetString(string(kb))
		case kt.Kind() == reflect.Array && kt.Elem().Kind() == reflect.Uint8:
			if len(kb) != key.Len() {
				return newDecodeError("expected key of %d bytes, got %d", key.Len(), len(kb))
			}
			reflect.Copy(key, reflect.ValueOf(kb))
		default:
			return fmt.Errorf("bencode: unsupported map key %s", kt)
		}
		val := reflect.New(v.Type().Elem()).Elem()
		if err := r.readValue(val); err != nil {
			return err
		}
		v.SetMapIndex(key, val)
	}
}

func (r *reader) readStruct(v reflect.Value) error {
	fields, err := structFields(v.Type())
	if err != nil {
		return err
	}
	if err := r.expectByte(dictStart); err != nil {
		return err
	}
	for _, f := range fields {
		name, err := r.readBytes()
		if err != nil {
			return err
		}
		if string(name) != f.name {
			return newDecodeError("expected key %q at pos %d, got %q", f.name, r.pos, name)
		}
		if err := r.readValue(v.Field(f.index)); err != nil {
			return err
		}
	}
	return r.expectByte(bencodeEnd)
}
