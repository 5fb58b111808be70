package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeader_RoundTrip(t *testing.T) {
	h := Header{Type: TypeData, Proto: ProtoTCP, ClientID: 42, Port: 8080}
	buf := h.Marshal()
	require.Len(t, buf, HeaderSize)

	got, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestDecode_RejectsShortInput(t *testing.T) {
	_, err := Decode([]byte{0x01, 0x02, 0x03})
	assert.Error(t, err)
}

func TestFrame_RoundTrip(t *testing.T) {
	f := Frame{
		Header:  Header{Type: TypeConnect, Proto: ProtoUDP, ClientID: 7, Port: 53},
		Payload: []byte("hello"),
	}
	msg := f.Marshal()

	got, err := DecodeFrame(msg)
	require.NoError(t, err)
	assert.Equal(t, f.Header, got.Header)
	assert.Equal(t, f.Payload, got.Payload)
}

func TestFrameType_String(t *testing.T) {
	assert.Equal(t, "CONNECT", TypeConnect.String())
	assert.Equal(t, "PONG", TypePong.String())
}
