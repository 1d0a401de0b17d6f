// Package wire implements just enough of a length-delimited binary wire
// format (protobuf-style varint/tag-length-value) to pull an OAuth token
// record out of the host IDE's persisted state blob. No schema is compiled
// in; unknown fields are skipped so schema additions don't break the scan.
package wire

import (
	"errors"
	"fmt"
)

// Wire types understood by the scanner.
const (
	wireVarint = 0
	wire64Bit  = 1
	wireBytes  = 2
	wire32Bit  = 5
)

// ErrMalformedVarint reports a varint whose terminating byte (high bit
// clear) never arrives, or one that overflows 64 bits. This means the blob
// is corrupt, as opposed to merely missing a field.
var ErrMalformedVarint = errors.New("wire: malformed varint")

// UnknownWireTypeError reports a tag carrying a wire type the scanner
// does not understand.
type UnknownWireTypeError struct {
	Type int
}

func (e *UnknownWireTypeError) Error() string {
	return fmt.Sprintf("wire: unknown wire type %d", e.Type)
}

// ReadVarint decodes a base-128 little-endian varint starting at offset.
// It returns the value and the offset of the first byte after it.
func ReadVarint(buf []byte, offset int) (uint64, int, error) {
	var value uint64
	var shift uint
	for i := offset; i < len(buf); i++ {
		b := buf[i]
		if shift >= 64 {
			return 0, 0, ErrMalformedVarint
		}
		value |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return value, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, ErrMalformedVarint
}

// AppendVarint appends the base-128 encoding of v to buf. Used by the
// import tooling's self-checks and by tests as the inverse of ReadVarint.
func AppendVarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

// SkipField advances past one field's value given its wire type, returning
// the offset of the next tag. The returned offset may point past the end of
// the buffer when the value is truncated; callers scanning best-effort stop
// there rather than treating it as corruption.
func SkipField(buf []byte, offset, wireType int) (int, error) {
	switch wireType {
	case wireVarint:
		_, next, err := ReadVarint(buf, offset)
		if err != nil {
			return 0, err
		}
		return next, nil
	case wire64Bit:
		return offset + 8, nil
	case wireBytes:
		length, next, err := ReadVarint(buf, offset)
		if err != nil {
			return 0, err
		}
		return next + int(length), nil
	case wire32Bit:
		return offset + 4, nil
	default:
		return 0, &UnknownWireTypeError{Type: wireType}
	}
}

// FindField scans top-level tag/value pairs and returns the raw bytes of
// the first length-delimited field with the given field number. A truncated
// or malformed buffer ends the scan silently: the result is simply
// "not found", keeping absent distinct from corrupt.
func FindField(buf []byte, fieldNumber int) ([]byte, bool) {
	offset := 0
	for offset < len(buf) {
		tag, next, err := ReadVarint(buf, offset)
		if err != nil {
			return nil, false
		}
		offset = next
		field := int(tag >> 3)
		wireType := int(tag & 0x7)

		if field == fieldNumber && wireType == wireBytes {
			length, next, err := ReadVarint(buf, offset)
			if err != nil {
				return nil, false
			}
			end := next + int(length)
			if end > len(buf) {
				return nil, false
			}
			return buf[next:end], true
		}

		offset, err = SkipField(buf, offset, wireType)
		if err != nil || offset > len(buf) {
			return nil, false
		}
	}
	return nil, false
}

// TokenInfo is the OAuth token record embedded in the persisted state.
// Absent fields are left at their zero values.
type TokenInfo struct {
	AccessToken   string
	TokenType     string
	RefreshToken  string
	ExpirySeconds int64
}

// Field numbers inside the token sub-message.
const (
	fieldAccessToken  = 1
	fieldTokenType    = 2
	fieldRefreshToken = 3
	fieldExpiry       = 4 // nested message, field 1 = seconds since epoch
)

// ParseOAuthTokenInfo walks one token sub-message and extracts the known
// fields, skipping anything it doesn't recognize.
func ParseOAuthTokenInfo(buf []byte) (TokenInfo, error) {
	var info TokenInfo
	offset := 0
	for offset < len(buf) {
		tag, next, err := ReadVarint(buf, offset)
		if err != nil {
			return TokenInfo{}, err
		}
		offset = next
		field := int(tag >> 3)
		wireType := int(tag & 0x7)

		if wireType != wireBytes {
			offset, err = SkipField(buf, offset, wireType)
			if err != nil {
				return TokenInfo{}, err
			}
			continue
		}

		length, next, err := ReadVarint(buf, offset)
		if err != nil {
			return TokenInfo{}, err
		}
		end := next + int(length)
		if end > len(buf) {
			// Truncated value: stop the walk with what we have.
			return info, nil
		}
		value := buf[next:end]
		offset = end

		switch field {
		case fieldAccessToken:
			info.AccessToken = string(value)
		case fieldTokenType:
			info.TokenType = string(value)
		case fieldRefreshToken:
			info.RefreshToken = string(value)
		case fieldExpiry:
			seconds, err := parseTimestampSeconds(value)
			if err != nil {
				return TokenInfo{}, err
			}
			info.ExpirySeconds = seconds
		}
	}
	return info, nil
}

// parseTimestampSeconds reads field 1 (varint seconds) of a nested
// timestamp message.
func parseTimestampSeconds(buf []byte) (int64, error) {
	offset := 0
	for offset < len(buf) {
		tag, next, err := ReadVarint(buf, offset)
		if err != nil {
			return 0, err
		}
		offset = next
		field := int(tag >> 3)
		wireType := int(tag & 0x7)

		if field == 1 && wireType == wireVarint {
			seconds, _, err := ReadVarint(buf, offset)
			if err != nil {
				return 0, err
			}
			return int64(seconds), nil
		}

		offset, err = SkipField(buf, offset, wireType)
		if err != nil {
			return 0, err
		}
	}
	return 0, nil
}
