package packet

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// Encode serializes a signed packet. Every part and the signature must be set.
func Encode(p *Packet) ([]byte, error) {
	if p.Signature == nil || p.Header == nil || p.ParentHeader == nil || p.Metadata == nil || p.Content == nil {
		return nil, ErrIncomplete
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := encodePacket(enc, p); err != nil {
		return nil, err
	}
	if buf.Len() > MaxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, buf.Len())
	}
	return buf.Bytes(), nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (p *Packet) MarshalBinary() ([]byte, error) {
	return Encode(p)
}

// Decode parses an envelope. Any malformed input yields an error wrapping
// ErrCorrupt.
func Decode(b []byte) (*Packet, error) {
	r := bytes.NewReader(b)
	dec := msgpack.NewDecoder(r)

	p, err := decodePacket(dec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, r.Len())
	}
	return p, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (p *Packet) UnmarshalBinary(b []byte) error {
	decoded, err := Decode(b)
	if err != nil {
		return err
	}
	*p = *decoded
	return nil
}

func (h *Header) MarshalBinary() ([]byte, error) {
	return marshalPart(func(enc *msgpack.Encoder) error { return encodeHeader(enc, h) })
}

func (m *Metadata) MarshalBinary() ([]byte, error) {
	return marshalPart(func(enc *msgpack.Encoder) error { return encodeMetadata(enc, m) })
}

func (c *Content) MarshalBinary() ([]byte, error) {
	return marshalPart(func(enc *msgpack.Encoder) error { return encodeContent(enc, c) })
}

func marshalPart(fn func(*msgpack.Encoder) error) ([]byte, error) {
	var buf bytes.Buffer
	if err := fn(msgpack.NewEncoder(&buf)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// --- Encoding ---

func encodePacket(enc *msgpack.Encoder, p *Packet) error {
	if err := enc.EncodeMapLen(6); err != nil {
		return err
	}
	if err := encodeTag(enc, tagPacket); err != nil {
		return err
	}
	if err := enc.EncodeString(keySignature); err != nil {
		return err
	}
	if err := enc.EncodeBytes(p.Signature); err != nil {
		return err
	}
	if err := enc.EncodeString(keyHeader); err != nil {
		return err
	}
	if err := encodeHeader(enc, p.Header); err != nil {
		return err
	}
	if err := enc.EncodeString(keyParentHeader); err != nil {
		return err
	}
	if err := encodeHeader(enc, p.ParentHeader); err != nil {
		return err
	}
	if err := enc.EncodeString(keyMetadata); err != nil {
		return err
	}
	if err := encodeMetadata(enc, p.Metadata); err != nil {
		return err
	}
	if err := enc.EncodeString(keyContent); err != nil {
		return err
	}
	return encodeContent(enc, p.Content)
}

func encodeTag(enc *msgpack.Encoder, tag string) error {
	if err := enc.EncodeString(tag); err != nil {
		return err
	}
	return enc.EncodeBool(true)
}

func encodeHeader(enc *msgpack.Encoder, h *Header) error {
	if err := enc.EncodeMapLen(7); err != nil {
		return err
	}
	if err := encodeTag(enc, tagHeader); err != nil {
		return err
	}
	for _, f := range [...]struct{ key, val string }{
		{keyID, h.ID},
		{keyUsername, h.Username},
		{keySession, h.Session},
	} {
		if err := encodeStringField(enc, f.key, f.val); err != nil {
			return err
		}
	}
	if err := enc.EncodeString(keyDate); err != nil {
		return err
	}
	if err := encodeDate(enc, h.Date); err != nil {
		return err
	}
	if err := encodeStringField(enc, keyType, h.Type); err != nil {
		return err
	}
	return encodeStringField(enc, keyVersion, h.Version)
}

func encodeStringField(enc *msgpack.Encoder, key, val string) error {
	if err := enc.EncodeString(key); err != nil {
		return err
	}
	return enc.EncodeString(val)
}

func encodeDate(enc *msgpack.Encoder, t time.Time) error {
	if err := enc.EncodeMapLen(2); err != nil {
		return err
	}
	if err := encodeTag(enc, tagDatetime); err != nil {
		return err
	}
	return encodeStringField(enc, keyDateString, t.UTC().Format(dateLayout))
}

func encodeMetadata(enc *msgpack.Encoder, m *Metadata) error {
	if err := enc.EncodeMapLen(2); err != nil {
		return err
	}
	if err := encodeTag(enc, tagMetadata); err != nil {
		return err
	}
	if err := enc.EncodeString(keyData); err != nil {
		return err
	}
	if err := enc.EncodeMapLen(len(m.keys)); err != nil {
		return err
	}
	for _, k := range m.keys {
		if err := enc.EncodeString(k); err != nil {
			return err
		}
		if err := encodeValue(enc, m.data[k]); err != nil {
			return fmt.Errorf("metadata %q: %w", k, err)
		}
	}
	return nil
}

func encodeContent(enc *msgpack.Encoder, c *Content) error {
	if err := enc.EncodeMapLen(2); err != nil {
		return err
	}
	if err := encodeTag(enc, tagContent); err != nil {
		return err
	}
	if err := enc.EncodeString(keyData); err != nil {
		return err
	}
	return encodeValue(enc, c.Data)
}

// encodeValue writes the value kinds allowed in metadata and content.
func encodeValue(enc *msgpack.Encoder, v any) error {
	switch x := v.(type) {
	case nil:
		return enc.EncodeNil()
	case string:
		return enc.EncodeString(x)
	case []byte:
		return enc.EncodeBytes(x)
	case bool:
		return enc.EncodeBool(x)
	case int:
		return enc.EncodeInt(int64(x))
	case int8:
		return enc.EncodeInt(int64(x))
	case int16:
		return enc.EncodeInt(int64(x))
	case int32:
		return enc.EncodeInt(int64(x))
	case int64:
		return enc.EncodeInt(x)
	case uint:
		return enc.EncodeUint(uint64(x))
	case uint8:
		return enc.EncodeUint(uint64(x))
	case uint16:
		return enc.EncodeUint(uint64(x))
	case uint32:
		return enc.EncodeUint(uint64(x))
	case uint64:
		return enc.EncodeUint(x)
	case float32:
		return enc.EncodeFloat64(float64(x))
	case float64:
		return enc.EncodeFloat64(x)
	case time.Time:
		return encodeDate(enc, x)
	case []string:
		if err := enc.EncodeArrayLen(len(x)); err != nil {
			return err
		}
		for _, s := range x {
			if err := enc.EncodeString(s); err != nil {
				return err
			}
		}
		return nil
	case []any:
		if err := enc.EncodeArrayLen(len(x)); err != nil {
			return err
		}
		for _, e := range x {
			if err := encodeValue(enc, e); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if err := enc.EncodeMapLen(len(keys)); err != nil {
			return err
		}
		for _, k := range keys {
			if err := enc.EncodeString(k); err != nil {
				return err
			}
			if err := encodeValue(enc, x[k]); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
}

// --- Decoding ---

var errMissingTag = errors.New("missing discriminator")

// decodeTagged walks a tagged map, calling field for every key other than
// the discriminator. field must consume exactly one value.
func decodeTagged(dec *msgpack.Decoder, tag string, field func(key string) error) error {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return err
	}
	if n < 0 {
		return fmt.Errorf("%s: nil map", tag)
	}
	tagged := false
	for i := 0; i < n; i++ {
		key, err := dec.DecodeString()
		if err != nil {
			return err
		}
		if key == tag {
			if err := dec.Skip(); err != nil {
				return err
			}
			tagged = true
			continue
		}
		if err := field(key); err != nil {
			return fmt.Errorf("%s.%s: %w", tag, key, err)
		}
	}
	if !tagged {
		return fmt.Errorf("%w %s", errMissingTag, tag)
	}
	return nil
}

// fieldSet tracks which required keys have been seen.
type fieldSet map[string]bool

func (s fieldSet) require(keys ...string) error {
	for _, k := range keys {
		if !s[k] {
			return fmt.Errorf("missing field %s", k)
		}
	}
	return nil
}

func decodePacket(dec *msgpack.Decoder) (*Packet, error) {
	p := new(Packet)
	seen := fieldSet{}
	err := decodeTagged(dec, tagPacket, func(key string) error {
		var err error
		switch key {
		case keySignature:
			p.Signature, err = dec.DecodeBytes()
		case keyHeader:
			p.Header, err = decodeHeader(dec)
		case keyParentHeader:
			p.ParentHeader, err = decodeHeader(dec)
		case keyMetadata:
			p.Metadata, err = decodeMetadata(dec)
		case keyContent:
			p.Content, err = decodeContent(dec)
		default:
			return dec.Skip()
		}
		seen[key] = true
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := seen.require(keySignature, keyHeader, keyParentHeader, keyMetadata, keyContent); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeHeader(dec *msgpack.Decoder) (*Header, error) {
	h := new(Header)
	seen := fieldSet{}
	err := decodeTagged(dec, tagHeader, func(key string) error {
		var err error
		switch key {
		case keyID:
			h.ID, err = dec.DecodeString()
		case keyUsername:
			h.Username, err = dec.DecodeString()
		case keySession:
			h.Session, err = dec.DecodeString()
		case keyType:
			h.Type, err = dec.DecodeString()
		case keyVersion:
			h.Version, err = dec.DecodeString()
		case keyDate:
			var v any
			if v, err = decodeValue(dec); err != nil {
				return err
			}
			t, ok := v.(time.Time)
			if !ok {
				return fmt.Errorf("expected datetime, got %T", v)
			}
			h.Date = t
		default:
			return dec.Skip()
		}
		seen[key] = true
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := seen.require(keyID, keyUsername, keySession, keyDate, keyType, keyVersion); err != nil {
		return nil, err
	}
	return h, nil
}

func decodeMetadata(dec *msgpack.Decoder) (*Metadata, error) {
	m := NewMetadata()
	seen := fieldSet{}
	err := decodeTagged(dec, tagMetadata, func(key string) error {
		if key != keyData {
			return dec.Skip()
		}
		seen[key] = true
		n, err := dec.DecodeMapLen()
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			k, err := dec.DecodeString()
			if err != nil {
				return err
			}
			v, err := decodeValue(dec)
			if err != nil {
				return err
			}
			m.Set(k, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := seen.require(keyData); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeContent(dec *msgpack.Decoder) (*Content, error) {
	c := new(Content)
	seen := fieldSet{}
	err := decodeTagged(dec, tagContent, func(key string) error {
		if key != keyData {
			return dec.Skip()
		}
		seen[key] = true
		v, err := decodeValue(dec)
		c.Data = v
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := seen.require(keyData); err != nil {
		return nil, err
	}
	return c, nil
}

// decodeValue reads one metadata or content value. bin stays []byte at
// every depth so re-encoding reproduces the signed bytes.
func decodeValue(dec *msgpack.Decoder) (any, error) {
	c, err := dec.PeekCode()
	if err != nil {
		return nil, err
	}
	switch {
	case msgpcode.IsBin(c):
		return dec.DecodeBytes()
	case msgpcode.IsFixedArray(c) || c == msgpcode.Array16 || c == msgpcode.Array32:
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return nil, err
		}
		arr := make([]any, 0, min(n, maxPrealloc))
		for i := 0; i < n; i++ {
			e, err := decodeValue(dec)
			if err != nil {
				return nil, err
			}
			arr = append(arr, e)
		}
		return arr, nil
	case msgpcode.IsFixedMap(c) || c == msgpcode.Map16 || c == msgpcode.Map32:
		n, err := dec.DecodeMapLen()
		if err != nil {
			return nil, err
		}
		m := make(map[string]any, min(n, maxPrealloc))
		for i := 0; i < n; i++ {
			k, err := dec.DecodeString()
			if err != nil {
				return nil, err
			}
			if m[k], err = decodeValue(dec); err != nil {
				return nil, err
			}
		}
		return datetimeOrMap(m)
	}
	v, err := dec.DecodeInterfaceLoose()
	if err != nil {
		return nil, err
	}
	return normalize(v), nil
}

// maxPrealloc caps capacity taken from untrusted length prefixes.
const maxPrealloc = 1024

// datetimeOrMap turns a tagged datetime map into time.Time.
func datetimeOrMap(m map[string]any) (any, error) {
	if _, ok := m[tagDatetime]; !ok {
		return m, nil
	}
	s, ok := m[keyDateString].(string)
	if !ok {
		return nil, fmt.Errorf("datetime without string value")
	}
	return time.ParseInLocation(dateLayout, s, time.UTC)
}

// normalize narrows decoded scalars to the kinds encodeValue writes:
// integers become int64 and floats float64.
func normalize(v any) any {
	switch x := v.(type) {
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x)
		}
		return x
	case float32:
		return float64(x)
	}
	if n, ok := ToInt64(v); ok {
		return n
	}
	return v
}
