package fesl

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// rawFrame assembles a frame by hand, independent of Encode, so the codec
// is validated against the wire layout rather than against itself.
func rawFrame(typ string, kind Kind, correlationID uint32, payload string) []byte {
	buf := make([]byte, HeaderLen+len(payload))
	copy(buf[0:4], typ)
	binary.BigEndian.PutUint32(buf[4:8], uint32(kind)<<24|correlationID)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(buf)))
	copy(buf[HeaderLen:], payload)
	return buf
}

func TestDecode_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{
			name: "HelloRequest",
			raw: rawFrame("fsys", KindSingleRequest, 1,
				"TXN=Hello\nclientString=bfbc2-pc\npartition.partition=/pc/eu\n\x00"),
		},
		{
			name: "LoginResponse",
			raw: rawFrame("acct", KindSingleResponse, 2,
				"TXN=NuLogin\nlkey=W5PmLNkBmGoGv.s\nuserId=1000241\n\x00"),
		},
		{
			name: "MultiPacketResponse",
			raw:  rawFrame("pnow", KindMultiResponse, 3, "TXN=Status\nsessionState=PENDING\n\x00"),
		},
		{
			name: "BarePing",
			raw:  rawFrame("fsys", KindPing, 0, ""),
		},
		{
			name: "TerminatorOnlyPayload",
			raw:  rawFrame("fsys", KindSingleRequest, 4, "\x00"),
		},
		{
			name: "NestedKeys",
			raw: rawFrame("pnow", KindSingleResponse, 5,
				"TXN=Status\nprops.{}.resultType=JOIN\nprops.{games}.0.fit=1000\n\x00"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkt, consumed, err := Decode(tt.raw)
			require.NoError(t, err)
			require.Equal(t, len(tt.raw), consumed)
			require.Equal(t, tt.raw, Encode(pkt))
		})
	}
}

func TestDecode_Header(t *testing.T) {
	raw := rawFrame("acct", KindSingleRequest, 0x00123456, "TXN=NuPS3Login\n\x00")
	pkt, _, err := Decode(raw)
	require.NoError(t, err)

	require.Equal(t, "acct", pkt.Type)
	require.Equal(t, KindSingleRequest, pkt.Kind)
	require.Equal(t, uint32(0x123456), pkt.CorrelationID)
	require.Equal(t, "NuPS3Login", pkt.TXN())
	require.True(t, pkt.Kind.IsRequest())
	require.False(t, pkt.Kind.IsResponse())
}

func TestDecode_Incomplete(t *testing.T) {
	full := rawFrame("fsys", KindSingleRequest, 1, "TXN=Hello\n\x00")

	for cut := 0; cut < len(full); cut++ {
		_, _, err := Decode(full[:cut])
		require.ErrorIs(t, err, ErrIncompleteFrame, "prefix of %d bytes", cut)
	}
}

func TestDecode_Malformed(t *testing.T) {
	badKind := rawFrame("fsys", Kind(0x42), 1, "TXN=Hello\n\x00")

	badLength := rawFrame("fsys", KindSingleRequest, 1, "TXN=Hello\n\x00")
	binary.BigEndian.PutUint32(badLength[8:12], 3)

	hugeLength := rawFrame("fsys", KindSingleRequest, 1, "TXN=Hello\n\x00")
	binary.BigEndian.PutUint32(hugeLength[8:12], MaxFrameLen+1)

	tests := []struct {
		name string
		raw  []byte
	}{
		{"UnknownKind", badKind},
		{"LengthBelowHeader", badLength},
		{"LengthAboveCap", hugeLength},
		{"BinaryTypeTag", rawFrame("\x01\x02\x03\x04", KindSingleRequest, 1, "TXN=Hello\n\x00")},
		{"MissingTerminator", rawFrame("fsys", KindSingleRequest, 1, "TXN=Hello\n")},
		{"UnterminatedEntry", rawFrame("fsys", KindSingleRequest, 1, "TXN=Hello\x00")},
		{"EntryWithoutSeparator", rawFrame("fsys", KindSingleRequest, 1, "TXN\n\x00")},
		{"EmptyKey", rawFrame("fsys", KindSingleRequest, 1, "=value\n\x00")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode(tt.raw)
			require.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestDecode_ConsumesSingleFrame(t *testing.T) {
	first := rawFrame("fsys", KindSingleRequest, 1, "TXN=Hello\n\x00")
	second := rawFrame("acct", KindSingleRequest, 2, "TXN=NuPS3Login\n\x00")
	buf := append(append([]byte{}, first...), second...)

	pkt, consumed, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, len(first), consumed)
	require.Equal(t, "Hello", pkt.TXN())

	pkt, consumed, err = Decode(buf[consumed:])
	require.NoError(t, err)
	require.Equal(t, len(second), consumed)
	require.Equal(t, "NuPS3Login", pkt.TXN())
}

func TestPacket_MissingVersusEmpty(t *testing.T) {
	raw := rawFrame("acct", KindSingleRequest, 1, "TXN=NuPS3Login\nticket=\n\x00")
	pkt, _, err := Decode(raw)
	require.NoError(t, err)

	v, ok := pkt.Get("ticket")
	require.True(t, ok, "empty field must still be present")
	require.Equal(t, "", v)

	_, ok = pkt.Get("macAddr")
	require.False(t, ok, "absent field must report missing")
}

func TestPacket_SetPreservesOrder(t *testing.T) {
	pkt := New("fsys", KindSingleRequest, 7)
	pkt.Set("TXN", "Hello")
	pkt.Set("clientString", "bfbc2-pc")
	pkt.Set("sku", "287193")
	pkt.Set("clientString", "bfbc2-ps3")

	fields := pkt.Fields()
	require.Equal(t, []Field{
		{"TXN", "Hello"},
		{"clientString", "bfbc2-ps3"},
		{"sku", "287193"},
	}, fields)
}

func TestDecode_NoTransactionName(t *testing.T) {
	raw := rawFrame("fsys", KindSingleResponse, 1, "memcheck.[]=0\ntype=0\n\x00")
	pkt, _, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, "", pkt.TXN())
}

func TestDecode_DuplicateKeysRoundTrip(t *testing.T) {
	raw := rawFrame("fsys", KindSingleResponse, 1, "TXN=Hello\nkey=first\nkey=second\n\x00")
	pkt, _, err := Decode(raw)
	require.NoError(t, err)

	v, ok := pkt.Get("key")
	require.True(t, ok)
	require.Equal(t, "first", v)
	require.Equal(t, raw, Encode(pkt))
}

func TestKind_String(t *testing.T) {
	require.Equal(t, "request", KindSingleRequest.String())
	require.Equal(t, "response", KindSingleResponse.String())
	require.Equal(t, "multi-response", KindMultiResponse.String())
	require.Equal(t, "ping", KindPing.String())
}
