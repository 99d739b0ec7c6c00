// Package packet encodes and decodes MeshCore radio frames.
//
// Frames use the protobuf wire format without generated types: each field is
// written with protowire so the layout stays compact and forward compatible.
// Unknown fields are skipped on decode.
package packet

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/rmacdonaldsmith/meshcore-go/pkg/mesh"
	"google.golang.org/protobuf/encoding/protowire"
)

// Version is the frame format version written by this package
const Version = 1

// MaxTextLen bounds the UTF-8 length of a single message text
const MaxTextLen = 160

// MaxNameLen bounds advertised node names
const MaxNameLen = 32

var (
	// ErrMalformed is returned for frames that cannot be parsed
	ErrMalformed = errors.New("malformed frame")
	// ErrUnsupportedVersion is returned for frames from a newer format
	ErrUnsupportedVersion = errors.New("unsupported frame version")
)

// Type identifies the payload carried by a frame
type Type uint8

const (
	TypeGroupText Type = iota + 1
	TypeDirectText
	TypeAdvert
)

func (t Type) String() string {
	switch t {
	case TypeGroupText:
		return "GroupText"
	case TypeDirectText:
		return "DirectText"
	case TypeAdvert:
		return "Advert"
	default:
		return "Unknown"
	}
}

// Frame field numbers
const (
	fieldVersion     protowire.Number = 1
	fieldType        protowire.Number = 2
	fieldChannelHash protowire.Number = 3
	fieldDestHash    protowire.Number = 4
	fieldSenderKey   protowire.Number = 5
	fieldNonce       protowire.Number = 6
	fieldCiphertext  protowire.Number = 7
	fieldName        protowire.Number = 8
	fieldTimestamp   protowire.Number = 9
)

// Frame is one radio packet.
//
// Group frames carry ChannelHash, Nonce and Ciphertext.
// Direct frames carry DestHash, SenderKey, Nonce and Ciphertext.
// Adverts carry SenderKey, Name and Timestamp in the clear.
type Frame struct {
	Type        Type
	ChannelHash byte
	DestHash    byte
	SenderKey   []byte
	Nonce       []byte
	Ciphertext  []byte
	Name        string
	Timestamp   int64
}

// Encode serializes the frame
func (f *Frame) Encode() ([]byte, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}

	var b []byte
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, Version)
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Type))

	switch f.Type {
	case TypeGroupText:
		b = protowire.AppendTag(b, fieldChannelHash, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.ChannelHash))
	case TypeDirectText:
		b = protowire.AppendTag(b, fieldDestHash, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.DestHash))
	}
	if len(f.SenderKey) > 0 {
		b = protowire.AppendTag(b, fieldSenderKey, protowire.BytesType)
		b = protowire.AppendBytes(b, f.SenderKey)
	}
	if len(f.Nonce) > 0 {
		b = protowire.AppendTag(b, fieldNonce, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Nonce)
	}
	if len(f.Ciphertext) > 0 {
		b = protowire.AppendTag(b, fieldCiphertext, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Ciphertext)
	}
	if f.Name != "" {
		b = protowire.AppendTag(b, fieldName, protowire.BytesType)
		b = protowire.AppendString(b, f.Name)
	}
	if f.Timestamp != 0 {
		b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.Timestamp))
	}
	return b, nil
}

// Decode parses a frame and checks that the fields its type needs are present.
func Decode(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformed)
	}

	f := &Frame{}
	var version uint64
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case typ == protowire.VarintType && (num == fieldVersion || num == fieldType ||
			num == fieldChannelHash || num == fieldDestHash || num == fieldTimestamp):
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case fieldVersion:
				version = v
			case fieldType:
				f.Type = Type(v)
			case fieldChannelHash:
				f.ChannelHash = byte(v)
			case fieldDestHash:
				f.DestHash = byte(v)
			case fieldTimestamp:
				f.Timestamp = int64(v)
			}
		case typ == protowire.BytesType && (num == fieldSenderKey || num == fieldNonce ||
			num == fieldCiphertext || num == fieldName):
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case fieldSenderKey:
				f.SenderKey = append([]byte(nil), v...)
			case fieldNonce:
				f.Nonce = append([]byte(nil), v...)
			case fieldCiphertext:
				f.Ciphertext = append([]byte(nil), v...)
			case fieldName:
				f.Name = string(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	if version != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Frame) validate() error {
	switch f.Type {
	case TypeGroupText:
		if len(f.Nonce) == 0 || len(f.Ciphertext) == 0 {
			return fmt.Errorf("%w: group frame missing ciphertext", ErrMalformed)
		}
	case TypeDirectText:
		if len(f.SenderKey) != mesh.PublicKeySize {
			return fmt.Errorf("%w: direct frame sender key must be %d bytes", ErrMalformed, mesh.PublicKeySize)
		}
		if len(f.Nonce) == 0 || len(f.Ciphertext) == 0 {
			return fmt.Errorf("%w: direct frame missing ciphertext", ErrMalformed)
		}
	case TypeAdvert:
		if len(f.SenderKey) != mesh.PublicKeySize {
			return fmt.Errorf("%w: advert sender key must be %d bytes", ErrMalformed, mesh.PublicKeySize)
		}
		if f.Name == "" || len(f.Name) > MaxNameLen || !utf8.ValidString(f.Name) {
			return fmt.Errorf("%w: advert name must be 1-%d bytes of UTF-8", ErrMalformed, MaxNameLen)
		}
	default:
		return fmt.Errorf("%w: unknown type %d", ErrMalformed, f.Type)
	}
	return nil
}
