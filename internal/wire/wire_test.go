package wire

import (
	"errors"
	"testing"
)

func TestReadVarintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 300, 16383, 16384, 1 << 21, 1 << 28, 1 << 35, (1 << 35) - 1}
	for _, v := range values {
		buf := AppendVarint(nil, v)
		got, next, err := ReadVarint(buf, 0)
		if err != nil {
			t.Fatalf("ReadVarint(%d): %v", v, err)
		}
		if got != v {
			t.Fatalf("round trip %d: got %d", v, got)
		}
		if next != len(buf) {
			t.Fatalf("round trip %d: next offset %d, want %d", v, next, len(buf))
		}
	}
}

func TestReadVarintMalformed(t *testing.T) {
	// High bit set on every byte: no terminator.
	_, _, err := ReadVarint([]byte{0x80, 0x80, 0x80}, 0)
	if !errors.Is(err, ErrMalformedVarint) {
		t.Fatalf("expected ErrMalformedVarint, got %v", err)
	}

	// 11 continuation bytes overflow 64 bits.
	over := make([]byte, 11)
	for i := range over {
		over[i] = 0x81
	}
	if _, _, err := ReadVarint(over, 0); !errors.Is(err, ErrMalformedVarint) {
		t.Fatalf("expected overflow to report ErrMalformedVarint, got %v", err)
	}

	if _, _, err := ReadVarint(nil, 0); !errors.Is(err, ErrMalformedVarint) {
		t.Fatalf("expected empty buffer to report ErrMalformedVarint, got %v", err)
	}
}

func TestSkipFieldUnknownWireType(t *testing.T) {
	_, err := SkipField([]byte{0x00}, 0, 7)
	var unknown *UnknownWireTypeError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownWireTypeError, got %v", err)
	}
	if unknown.Type != 7 {
		t.Fatalf("expected wire type 7 in error, got %d", unknown.Type)
	}
}

func TestSkipFieldAdvances(t *testing.T) {
	tests := []struct {
		name     string
		buf      []byte
		wireType int
		want     int
	}{
		{name: "varint", buf: []byte{0xac, 0x02, 0xff}, wireType: 0, want: 2},
		{name: "64-bit", buf: make([]byte, 10), wireType: 1, want: 8},
		{name: "bytes", buf: append([]byte{0x03}, []byte("abc")...), wireType: 2, want: 4},
		{name: "32-bit", buf: make([]byte, 6), wireType: 5, want: 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := SkipField(tt.buf, 0, tt.wireType)
			if err != nil {
				t.Fatalf("SkipField: %v", err)
			}
			if next != tt.want {
				t.Fatalf("next = %d, want %d", next, tt.want)
			}
		})
	}
}

// appendBytesField appends a length-delimited field (wire type 2).
func appendBytesField(buf []byte, field int, value []byte) []byte {
	buf = AppendVarint(buf, uint64(field)<<3|wireBytes)
	buf = AppendVarint(buf, uint64(len(value)))
	return append(buf, value...)
}

// appendVarintField appends a varint field (wire type 0).
func appendVarintField(buf []byte, field int, value uint64) []byte {
	buf = AppendVarint(buf, uint64(field)<<3|wireVarint)
	return AppendVarint(buf, value)
}

func TestFindField(t *testing.T) {
	var blob []byte
	blob = appendVarintField(blob, 1, 42)
	blob = appendBytesField(blob, 2, []byte("skip me"))
	blob = appendBytesField(blob, 9, []byte("payload"))

	got, ok := FindField(blob, 9)
	if !ok {
		t.Fatal("expected field 9 to be found")
	}
	if string(got) != "payload" {
		t.Fatalf("field 9 = %q, want %q", got, "payload")
	}

	if _, ok := FindField(blob, 5); ok {
		t.Fatal("expected field 5 to be absent")
	}
}

func TestFindFieldTruncatedStopsSilently(t *testing.T) {
	var blob []byte
	blob = appendBytesField(blob, 9, []byte("payload"))
	truncated := blob[:len(blob)-3]

	if _, ok := FindField(truncated, 9); ok {
		t.Fatal("expected truncated scan to report not found")
	}

	// Garbage tag bytes likewise degrade to not-found rather than an error.
	if _, ok := FindField([]byte{0x80, 0x80}, 9); ok {
		t.Fatal("expected malformed scan to report not found")
	}
}

func TestParseOAuthTokenInfo(t *testing.T) {
	expiry := appendVarintField(nil, 1, 1735689600)

	var msg []byte
	msg = appendBytesField(msg, fieldAccessToken, []byte("ya29.access"))
	msg = appendBytesField(msg, fieldTokenType, []byte("Bearer"))
	msg = appendBytesField(msg, fieldRefreshToken, []byte("1//refresh"))
	msg = appendBytesField(msg, fieldExpiry, expiry)
	// Unknown trailing field must be skipped.
	msg = appendVarintField(msg, 12, 7)

	info, err := ParseOAuthTokenInfo(msg)
	if err != nil {
		t.Fatalf("ParseOAuthTokenInfo: %v", err)
	}
	if info.AccessToken != "ya29.access" {
		t.Fatalf("AccessToken = %q", info.AccessToken)
	}
	if info.TokenType != "Bearer" {
		t.Fatalf("TokenType = %q", info.TokenType)
	}
	if info.RefreshToken != "1//refresh" {
		t.Fatalf("RefreshToken = %q", info.RefreshToken)
	}
	if info.ExpirySeconds != 1735689600 {
		t.Fatalf("ExpirySeconds = %d", info.ExpirySeconds)
	}
}

func TestParseOAuthTokenInfoMalformed(t *testing.T) {
	var msg []byte
	msg = appendBytesField(msg, fieldAccessToken, []byte("tok"))
	msg = append(msg, 0x80, 0x80, 0x80) // dangling continuation bytes

	if _, err := ParseOAuthTokenInfo(msg); !errors.Is(err, ErrMalformedVarint) {
		t.Fatalf("expected ErrMalformedVarint, got %v", err)
	}
}
