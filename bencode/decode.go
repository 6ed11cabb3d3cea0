package bencode

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
)

// DecodeError reports malformed or non-canonical input.
type DecodeError struct {
	msg string
}

func decodeErrorf(msg string, vars ...interface{}) *DecodeError {
	return &DecodeError{fmt.Sprintf(msg, vars...)}
}

func (e *DecodeError) Error() string {
	return e.msg
}

// Deserialize decodes buf into the value behind the pointer t. The whole
// buffer must be consumed, trailing bytes are an error.
func Deserialize(buf []byte, t interface{}) error {
	val := reflect.ValueOf(t)
	if val.Type().Kind() != reflect.Ptr {
		return decodeErrorf("expected a pointer, got %s", val.Type().Kind())
	}
	d := decoder{buf: buf}
	out, err := d.decode(val.Type().Elem())
	if err != nil {
		return err
	}
	val.Elem().Set(*out)
	if d.pos != len(d.buf) {
		return decodeErrorf("%d trailing bytes after value", len(d.buf)-d.pos)
	}
	return nil
}

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) peek() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, decodeErrorf("unexpected end of input at %d", d.pos)
	}
	return d.buf[d.pos], nil
}

func (d *decoder) expect(b byte) error {
	c, err := d.peek()
	if err != nil {
		return decodeErrorf("expected 0x%x at %d, but input ended", b, d.pos)
	}
	if c != b {
		return decodeErrorf("expected 0x%x at %d, got 0x%x", b, d.pos, c)
	}
	d.pos++
	return nil
}

// digits consumes a run of ascii digits and returns it unparsed.
func (d *decoder) digits() ([]byte, error) {
	start := d.pos
	for d.pos < len(d.buf) && d.buf[d.pos] >= '0' && d.buf[d.pos] <= '9' {
		d.pos++
	}
	if d.pos == start {
		return nil, decodeErrorf("expected digits at %d", start)
	}
	return d.buf[start:d.pos], nil
}

func (d *decoder) readInt() (int64, error) {
	if err := d.expect(numberStart); err != nil {
		return 0, err
	}
	neg := false
	if c, err := d.peek(); err == nil && c == '-' {
		neg = true
		d.pos++
	}
	digits, err := d.digits()
	if err != nil {
		return 0, err
	}
	val, err := strconv.ParseInt(string(digits), 10, 64)
	if err != nil {
		return 0, err
	}
	if neg {
		if val == 0 {
			return 0, decodeErrorf("negative zero is not canonical")
		}
		val = -val
	}
	if err := d.expect(bencodeEnd); err != nil {
		return 0, err
	}
	return val, nil
}

func (d *decoder) readUint() (uint64, error) {
	if err := d.expect(numberStart); err != nil {
		return 0, err
	}
	digits, err := d.digits()
	if err != nil {
		return 0, err
	}
	val, err := strconv.ParseUint(string(digits), 10, 64)
	if err != nil {
		return 0, err
	}
	if err := d.expect(bencodeEnd); err != nil {
		return 0, err
	}
	return val, nil
}

func (d *decoder) readBytes() ([]byte, error) {
	digits, err := d.digits()
	if err != nil {
		return nil, err
	}
	if err := d.expect(bytesLengthSep); err != nil {
		return nil, err
	}
	l, err := strconv.Atoi(string(digits))
	if err != nil {
		return nil, err
	}
	if d.pos+l > len(d.buf) {
		return nil, decodeErrorf("byte string of length %d overruns input at %d", l, d.pos)
	}
	b := d.buf[d.pos : d.pos+l]
	d.pos += l
	return b, nil
}

func (d *decoder) decode(t reflect.Type) (*reflect.Value, error) {
	switch t.Kind() {
	case reflect.Bool:
		num, err := d.readUint()
		if err != nil {
			return nil, err
		}
		if num > 1 {
			return nil, decodeErrorf("expected 0 or 1 for bool, got %d", num)
		}
		val := reflect.ValueOf(num == 1)
		return &val, nil
	case reflect.Int8:
		num, err := d.readInt()
		if err != nil {
			return nil, err
		}
		if num < math.MinInt8 || num > math.MaxInt8 {
			return nil, decodeErrorf("%d overflows int8", num)
		}
		val := reflect.ValueOf(int8(num))
		return &val, nil
	case reflect.Int64:
		num, err := d.readInt()
		if err != nil {
			return nil, err
		}
		val := reflect.ValueOf(num)
		return &val, nil
	case reflect.Uint8:
		num, err := d.readUint()
		if err != nil {
			return nil, err
		}
		if num > math.MaxUint8 {
			return nil, decodeErrorf("%d overflows uint8", num)
		}
		val := reflect.ValueOf(uint8(num))
		return &val, nil
	case reflect.Uint32:
		num, err := d.readUint()
		if err != nil {
			return nil, err
		}
		if num > math.MaxUint32 {
			return nil, decodeErrorf("%d overflows uint32", num)
		}
		val := reflect.ValueOf(uint32(num))
		return &val, nil
	case reflect.Uint64:
		num, err := d.readUint()
		if err != nil {
			return nil, err
		}
		val := reflect.ValueOf(num)
		return &val, nil
	case reflect.String:
		b, err := d.readBytes()
		if err != nil {
			return nil, err
		}
		val := reflect.ValueOf(string(b))
		return &val, nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			b, err := d.readBytes()
			if err != nil {
				return nil, err
			}
			out := make([]byte, len(b))
			copy(out, b)
			val := reflect.ValueOf(out)
			return &val, nil
		}
		return d.decodeList(t)
	case reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			b, err := d.readBytes()
			if err != nil {
				return nil, err
			}
			if len(b) != t.Len() {
				return nil, decodeErrorf("expected %d bytes for %s, got %d", t.Len(), t, len(b))
			}
			valPtr := reflect.New(t)
			reflect.Copy(valPtr.Elem(), reflect.ValueOf(b))
			val := valPtr.Elem()
			return &val, nil
		}
		return d.decodeArray(t)
	case reflect.Struct:
		valPtr := reflect.New(t)
		if err := d.decodeStruct(valPtr.Elem()); err != nil {
			return nil, err
		}
		val := valPtr.Elem()
		return &val, nil
	case reflect.Map:
		return d.decodeMap(t)
	case reflect.Pointer:
		out, err := d.decode(t.Elem())
		if err != nil {
			return nil, err
		}
		v := reflect.New(t.Elem())
		v.Elem().Set(*out)
		return &v, nil
	default:
		return nil, decodeErrorf("cannot decode into kind %s", t.Kind())
	}
}

func (d *decoder) decodeList(t reflect.Type) (*reflect.Value, error) {
	if err := d.expect(listStart); err != nil {
		return nil, err
	}
	a := reflect.MakeSlice(t, 0, 0)
	for {
		c, err := d.peek()
		if err != nil {
			return nil, err
		}
		if c == bencodeEnd {
			break
		}
		val, err := d.decode(t.Elem())
		if err != nil {
			return nil, err
		}
		a = reflect.Append(a, *val)
	}
	d.pos++
	return &a, nil
}

func (d *decoder) decodeArray(t reflect.Type) (*reflect.Value, error) {
	if err := d.expect(listStart); err != nil {
		return nil, err
	}
	valPtr := reflect.New(t)
	for i := 0; i != t.Len(); i++ {
		val, err := d.decode(t.Elem())
		if err != nil {
			return nil, err
		}
		valPtr.Elem().Index(i).Set(*val)
	}
	if err := d.expect(bencodeEnd); err != nil {
		return nil, err
	}
	val := valPtr.Elem()
	return &val, nil
}

func (d *decoder) decodeMap(t reflect.Type) (*reflect.Value, error) {
	if err := d.expect(dictStart); err != nil {
		return nil, err
	}
	m := reflect.MakeMap(t)
	for {
		c, err := d.peek()
		if err != nil {
			return nil, err
		}
		if c == bencodeEnd {
			break
		}
		key, err := d.decode(t.Key())
		if err != nil {
			return nil, err
		}
		val, err := d.decode(t.Elem())
		if err != nil {
			return nil, err
		}
		m.SetMapIndex(*key, *val)
	}
	d.pos++
	return &m, nil
}

// decodeStruct reads a dict whose keys are exactly the bencode tags of the
// struct's exported fields, in sorted order.
func (d *decoder) decodeStruct(v reflect.Value) error {
	if err := d.expect(dictStart); err != nil {
		return err
	}

	ty := v.Type()
	fields := make(map[string]int)
	names := make([]string, 0, ty.NumField())
	for i := 0; i != ty.NumField(); i++ {
		f := ty.Field(i)
		if !f.IsExported() {
			continue
		}
		tag := f.Tag.Get("bencode")
		if tag == "" {
			return decodeErrorf("field %s.%s has no bencode tag", ty.Name(), f.Name)
		}
		fields[tag] = i
		names = append(names, tag)
	}
	sort.Strings(names)
	for _, name := range names {
		key, err := d.readBytes()
		if err != nil {
			return err
		}
		if string(key) != name {
			return decodeErrorf("expected key %q, got %q", name, string(key))
		}
		val, err := d.decode(ty.Field(fields[name]).Type)
		if err != nil {
			return err
		}
		v.Field(fields[name]).Set(*val)
	}
	return d.expect(bencodeEnd)
}
