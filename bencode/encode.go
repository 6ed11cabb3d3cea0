package bencode

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"
	"strconv"
)

// Serialize encodes the struct behind a pointer into its canonical bencode
// form. Encoding is deterministic: struct fields and map keys are emitted in
// sorted order, so equal values always produce equal bytes.
func Serialize(s interface{}) ([]byte, error) {
	val := reflect.ValueOf(s)
	if val.Type().Kind() != reflect.Ptr {
		return nil, fmt.Errorf("bencode: expected a pointer, got %s", val.Type().Kind())
	}
	var e encoder
	if err := e.encode(val.Elem()); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

// Compare orders two values in shortlex order over their encodings: shorter
// encodings sort first, equal lengths fall back to a byte compare.
func Compare(a interface{}, b interface{}) (int, error) {
	abytes, err := Serialize(a)
	if err != nil {
		return 0, err
	}
	bbytes, err := Serialize(b)
	if err != nil {
		return 0, err
	}
	if len(abytes) != len(bbytes) {
		if len(abytes) < len(bbytes) {
			return -1, nil
		}
		return 1, nil
	}
	return bytes.Compare(abytes, bbytes), nil
}

type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) encode(v reflect.Value) error {
	switch v.Type().Kind() {
	case reflect.Bool:
		if v.Bool() {
			return e.writeUint(1)
		}
		return e.writeUint(0)
	case reflect.Int8, reflect.Int64:
		return e.writeInt(v.Int())
	case reflect.Uint8, reflect.Uint32, reflect.Uint64:
		return e.writeUint(v.Uint())
	case reflect.String:
		return e.writeBytes([]byte(v.String()))
	case reflect.Array, reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(b), v)
			return e.writeBytes(b)
		}
		return e.writeList(v)
	case reflect.Struct:
		return e.writeStruct(v)
	case reflect.Map:
		return e.writeDict(v)
	case reflect.Pointer:
		return e.encode(reflect.Indirect(v))
	default:
		return fmt.Errorf("bencode: cannot encode kind %s", v.Type().Kind())
	}
}

func (e *encoder) writeBytes(b []byte) error {
	if _, err := e.buf.WriteString(strconv.Itoa(len(b))); err != nil {
		return err
	}
	if err := e.buf.WriteByte(bytesLengthSep); err != nil {
		return err
	}
	_, err := e.buf.Write(b)
	return err
}

func (e *encoder) writeInt(n int64) error {
	if err := e.buf.WriteByte(numberStart); err != nil {
		return err
	}
	if _, err := e.buf.WriteString(strconv.FormatInt(n, 10)); err != nil {
		return err
	}
	return e.buf.WriteByte(bencodeEnd)
}

func (e *encoder) writeUint(n uint64) error {
	if err := e.buf.WriteByte(numberStart); err != nil {
		return err
	}
	if _, err := e.buf.WriteString(strconv.FormatUint(n, 10)); err != nil {
		return err
	}
	return e.buf.WriteByte(bencodeEnd)
}

func (e *encoder) writeList(v reflect.Value) error {
	if err := e.buf.WriteByte(listStart); err != nil {
		return err
	}
	for i := 0; i != v.Len(); i++ {
		if err := e.encode(v.Index(i)); err != nil {
			return err
		}
	}
	return e.buf.WriteByte(bencodeEnd)
}

func (e *encoder) writeDict(v reflect.Value) error {
	if err := e.buf.WriteByte(dictStart); err != nil {
		return err
	}
	keys := v.MapKeys()
	if err := sortKeys(keys); err != nil {
		return err
	}
	for _, k := range keys {
		if err := e.encode(k); err != nil {
			return err
		}
		if err := e.encode(v.MapIndex(k)); err != nil {
			return err
		}
	}
	return e.buf.WriteByte(bencodeEnd)
}

// writeStruct encodes exported fields as a dict keyed by their bencode tags.
// Every exported field must carry a tag.
func (e *encoder) writeStruct(v reflect.Value) error {
	if err := e.buf.WriteByte(dictStart); err != nil {
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
			return fmt.Errorf("bencode: field %s.%s has no bencode tag", ty.Name(), f.Name)
		}
		fields[tag] = i
		names = append(names, tag)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := e.writeBytes([]byte(name)); err != nil {
			return err
		}
		if err := e.encode(v.Field(fields[name])); err != nil {
			return err
		}
	}
	return e.buf.WriteByte(bencodeEnd)
}

// sortKeys orders map keys of the kinds the encoder accepts as dict keys:
// strings, unsigned integers and fixed byte arrays.
func sortKeys(keys []reflect.Value) error {
	if len(keys) == 0 {
		return nil
	}
	switch keys[0].Type().Kind() {
	case reflect.String:
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	case reflect.Uint8, reflect.Uint32, reflect.Uint64:
		sort.Slice(keys, func(i, j int) bool { return keys[i].Uint() < keys[j].Uint() })
	case reflect.Array:
		if keys[0].Type().Elem().Kind() != reflect.Uint8 {
			return fmt.Errorf("bencode: cannot use %s array as dict key", keys[0].Type().Elem().Kind())
		}
		sort.Slice(keys, func(i, j int) bool {
			for x := 0; x != keys[i].Len(); x++ {
				ei, ej := keys[i].Index(x).Uint(), keys[j].Index(x).Uint()
				if ei != ej {
					return ei < ej
				}
			}
			return false
		})
	default:
		return fmt.Errorf("bencode: cannot use %s as dict key", keys[0].Type().Kind())
	}
	return nil
}
