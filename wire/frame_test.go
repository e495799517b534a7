package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	f := Frame{
		Header: Header{
			Version:      Version,
			Opcode:       OpAppMessage,
			RoomId:       NewRoomId(),
			SenderId:     42,
			Epoch:        3,
			LogIndex:     7,
			HLCTimestamp: 1234,
			ContextId:    9,
		},
		Payload: []byte("hello world"),
	}
	encoded := f.Encode()
	require.Len(t, encoded, HeaderSize+len(f.Payload))

	decoded, err := Decode(encoded, 0)
	require.NoError(t, err)
	assert.Equal(t, f.Header, decoded.Header)
	assert.True(t, bytes.Equal(f.Payload, decoded.Payload))
}

func TestFrameRoundTripEmptyPayload(t *testing.T) {
	f := Frame{Header: Header{Version: Version, Opcode: OpPing, RoomId: NewRoomId()}}
	decoded, err := Decode(f.Encode(), 0)
	require.NoError(t, err)
	assert.Empty(t, decoded.Payload)
}

func TestDecodeNeverPanics(t *testing.T) {
	inputs := [][]byte{
		nil,
		{},
		make([]byte, HeaderSize-1),
		make([]byte, HeaderSize),
		bytes.Repeat([]byte{0xff}, HeaderSize+10),
	}
	for _, in := range inputs {
		_, err := Decode(in, 0)
		assert.Error(t, err)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	h := Header{Version: Version, Opcode: OpHello}
	buf := h.Encode()
	buf[0] = 'X'
	_, err := DecodeHeader(buf, 0)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestDecodeRejectsUnknownOpcode(t *testing.T) {
	h := Header{Version: Version, Opcode: OpHello}
	buf := h.Encode()
	buf[6] = 0xff
	buf[7] = 0xff
	_, err := DecodeHeader(buf, 0)
	assert.ErrorIs(t, err, ErrUnknownOpcode)
}

func TestDecodeRejectsOversizePayload(t *testing.T) {
	h := Header{Version: Version, Opcode: OpAppMessage, PayloadSize: 5000}
	_, err := DecodeHeader(h.Encode(), 100)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestAppMessagePayloadRoundTrip(t *testing.T) {
	p := AppMessagePayload{
		Epoch:       2,
		SenderIndex: 0,
		Generation:  5,
		Ciphertext:  []byte("ciphertext-bytes"),
	}
	copy(p.Nonce[:], bytes.Repeat([]byte{0x07}, 24))
	decoded, err := DecodeAppMessage(p.Encode())
	require.NoError(t, err)
	assert.Equal(t, p, decoded)
}

func TestAppMessagePayloadTooShort(t *testing.T) {
	_, err := DecodeAppMessage(make([]byte, 10))
	assert.ErrorIs(t, err, ErrAppMessageTooShort)
}

func TestCBORControlPayloadsRoundTrip(t *testing.T) {
	hello := Hello{Version: 1, Capabilities: []string{"sync", "commit"}, AuthToken: []byte("tok")}
	gotHello, err := DecodeHello(hello.Encode())
	require.NoError(t, err)
	assert.Equal(t, hello, gotHello)

	helloNoToken := Hello{Version: 1, Capabilities: []string{}}
	gotHelloNoToken, err := DecodeHello(helloNoToken.Encode())
	require.NoError(t, err)
	assert.Nil(t, gotHelloNoToken.AuthToken)

	reply := HelloReply{SessionId: 99, Capabilities: []string{"sync"}, Challenge: []byte{1, 2, 3}}
	gotReply, err := DecodeHelloReply(reply.Encode())
	require.NoError(t, err)
	assert.Equal(t, reply, gotReply)

	bye := Goodbye{Reason: "idle timeout"}
	gotBye, err := DecodeGoodbye(bye.Encode())
	require.NoError(t, err)
	assert.Equal(t, bye, gotBye)

	req := SyncRequest{FromLogIndex: 10, Limit: 50}
	gotReq, err := DecodeSyncRequest(req.Encode())
	require.NoError(t, err)
	assert.Equal(t, req, gotReq)

	resp := SyncResponse{Frames: [][]byte{[]byte("a"), []byte("bb")}, HasMore: true, ServerEpoch: 4}
	gotResp, err := DecodeSyncResponse(resp.Encode())
	require.NoError(t, err)
	assert.Equal(t, resp, gotResp)
}
