package wire

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/reddust/errors"
)

const nodeAddr = "/red_dust/object_1"

func TestEncode_Layout(t *testing.T) {
	buf, err := Encode(Message{Address: "/ab", Value: 0.5})
	require.NoError(t, err)

	expected := []byte{
		'/', 'a', 'b', 0,
		',', 'f', 0, 0,
		0x3f, 0x00, 0x00, 0x00,
	}
	assert.Equal(t, expected, buf)

	buf, err = Encode(Message{Address: "/abcd", Value: 1, Timestamp: "T1"})
	require.NoError(t, err)
	expected = []byte{
		'/', 'a', 'b', 'c', 'd', 0, 0, 0,
		',', 'f', 's', 0,
		0x3f, 0x80, 0x00, 0x00,
		'T', '1', 0, 0,
	}
	assert.Equal(t, expected, buf)
}

func TestEncode_RejectsBadAddress(t *testing.T) {
	long := "/" + string(make([]byte, MaxAddressLen))
	for _, addr := range []string{"", "no_slash", long, "/a\x00b"} {
		_, err := Encode(Message{Address: addr})
		assert.True(t, errors.IsInvalid(err), "address %q", addr)
	}
}

func TestDecode_RoundTrip(t *testing.T) {
	for _, ts := range []string{"", "2018-12-21T00:00:00.000000Z"} {
		buf, err := Encode(Message{Address: nodeAddr, Value: 0.25, Timestamp: ts})
		require.NoError(t, err)

		res := Decode(buf, nodeAddr)
		assert.Equal(t, OK, res.Kind)
		assert.Equal(t, float32(0.25), res.Value)
	}
}

func TestDecode_ForeignAddress(t *testing.T) {
	buf, err := Encode(Message{Address: "/red_dust/object_2", Value: 1})
	require.NoError(t, err)
	assert.Equal(t, NotForThisAddress, Decode(buf, nodeAddr).Kind)

	buf, err = Encode(Message{Address: "/RED_DUST/object_1", Value: 1})
	require.NoError(t, err)
	assert.Equal(t, NotForThisAddress, Decode(buf, nodeAddr).Kind, "match is case-sensitive")
}

func TestDecode_Malformed(t *testing.T) {
	good, err := Encode(Message{Address: nodeAddr, Value: 0.5})
	require.NoError(t, err)
	addrLen := padded(len(nodeAddr))

	withTag := func(tag string) []byte {
		b := append([]byte{}, good[:addrLen]...)
		b = appendPadded(b, tag)
		return binary.BigEndian.AppendUint32(b, math.Float32bits(0.5))
	}

	tests := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"empty address", []byte{0, 0, 0, 0, ',', 'f', 0, 0, 0, 0, 0, 0}},
		{"unterminated address", []byte("/red_dust/object_1")},
		{"address only", good[:addrLen]},
		{"missing comma", withTag("xf")},
		{"integer tag", withTag(",i")},
		{"two floats", withTag(",ff")},
		{"tag longer than one word", withTag(",fss")},
		{"truncated float", good[:len(good)-1]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Decode(tt.buf, nodeAddr)
			assert.Equal(t, Malformed, res.Kind)
		})
	}
}

func TestDecode_OverlongAddressIsMalformed(t *testing.T) {
	buf := make([]byte, 200)
	for i := range buf {
		buf[i] = 'a'
	}
	assert.Equal(t, Malformed, Decode(buf, nodeAddr).Kind)
}

func TestDecode_DoesNotAllocate(t *testing.T) {
	buf, err := Encode(Message{Address: nodeAddr, Value: 0.75, Timestamp: "x"})
	require.NoError(t, err)

	allocs := testing.AllocsPerRun(100, func() {
		_ = Decode(buf, nodeAddr)
	})
	assert.Zero(t, allocs)
}

func TestFrame(t *testing.T) {
	line := AppendFrame(nil, 0.5, "169900")
	assert.Equal(t, "0.500000,169900\n", string(line))

	v, err := ParseFrame(line[:len(line)-1])
	require.NoError(t, err)
	assert.Equal(t, 0.5, v)

	assert.Equal(t, "0.250000,-\n", string(AppendFrame(nil, 0.25, "")))
	v, err = ParseFrame(AppendFrame(nil, 0.25, "")[:10])
	require.NoError(t, err, "placeholder token parses")
	assert.Equal(t, 0.25, v)

	for _, bad := range []string{"", "0.7", "0.7,", ",1", "abc,1", "nan,1", "1e9,1", "inf,2"} {
		_, err := ParseFrame([]byte(bad))
		assert.ErrorIs(t, err, errors.ErrProtocolDecode, "frame %q", bad)
	}
}

func TestFormatTimestamp(t *testing.T) {
	ts := time.Date(2018, 12, 21, 3, 4, 5, 123456000, time.FixedZone("X", 3600))
	assert.Equal(t, "2018-12-21T02:04:05.123456Z", FormatTimestamp(ts))
}
