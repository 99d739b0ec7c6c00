package packet

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	bodySenderKey  protowire.Number = 1
	bodySenderName protowire.Number = 2
	bodyTimestamp  protowire.Number = 3
	bodyText       protowire.Number = 4
)

// Body is the plaintext sealed inside group and direct frames.
// SenderKey is only set on group bodies; direct frames carry it outside.
type Body struct {
	SenderKey  []byte
	SenderName string
	Timestamp  int64 // unix milliseconds
	Text       string
}

// Marshal serializes the body
func (b *Body) Marshal() []byte {
	var out []byte
	if len(b.SenderKey) > 0 {
		out = protowire.AppendTag(out, bodySenderKey, protowire.BytesType)
		out = protowire.AppendBytes(out, b.SenderKey)
	}
	if b.SenderName != "" {
		out = protowire.AppendTag(out, bodySenderName, protowire.BytesType)
		out = protowire.AppendString(out, b.SenderName)
	}
	out = protowire.AppendTag(out, bodyTimestamp, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(b.Timestamp))
	out = protowire.AppendTag(out, bodyText, protowire.BytesType)
	out = protowire.AppendString(out, b.Text)
	return out
}

// UnmarshalBody parses a decrypted body
func UnmarshalBody(data []byte) (*Body, error) {
	b := &Body{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == bodyTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b.Timestamp = int64(v)
			data = data[n:]
		case typ == protowire.BytesType && (num == bodySenderKey || num == bodySenderName || num == bodyText):
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			switch num {
			case bodySenderKey:
				b.SenderKey = append([]byte(nil), v...)
			case bodySenderName:
				b.SenderName = string(v)
			case bodyText:
				b.Text = string(v)
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return b, nil
}

// Validate applies the limits a sender enforces to a received body: text is
// non-blank valid UTF-8 of at most MaxTextLen bytes, and the sender name is
// valid UTF-8 of at most MaxNameLen bytes.
func (b *Body) Validate() error {
	switch {
	case strings.TrimSpace(b.Text) == "":
		return fmt.Errorf("%w: empty text", ErrMalformed)
	case len(b.Text) > MaxTextLen:
		return fmt.Errorf("%w: text is %d bytes, limit %d", ErrMalformed, len(b.Text), MaxTextLen)
	case !utf8.ValidString(b.Text):
		return fmt.Errorf("%w: text is not valid UTF-8", ErrMalformed)
	case len(b.SenderName) > MaxNameLen:
		return fmt.Errorf("%w: sender name is %d bytes, limit %d", ErrMalformed, len(b.SenderName), MaxNameLen)
	case !utf8.ValidString(b.SenderName):
		return fmt.Errorf("%w: sender name is not valid UTF-8", ErrMalformed)
	}
	return nil
}
