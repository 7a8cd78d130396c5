package shmchannel

import (
	"encoding/binary"
)

const (
	handshakeMagic   uint32 = 0x4E505243 // "NPRC"
	handshakeVersion uint16 = 1

	channelIDFieldSize = 64
	handshakeSize      = 4 + 2 + channelIDFieldSize
)

// encodeHandshake builds the fixed {magic, version, channel_id} record
// a client writes into the listener's accept ring.
func encodeHandshake(channelID string) []byte {
	buf := make([]byte, handshakeSize)
	binary.LittleEndian.PutUint32(buf[0:4], handshakeMagic)
	binary.LittleEndian.PutUint16(buf[4:6], handshakeVersion)
	copy(buf[6:6+channelIDFieldSize], channelID)
	return buf
}

// decodeHandshake validates magic/version and extracts the channel id.
// An invalid handshake is dropped by the caller rather than surfaced.
func decodeHandshake(frame []byte) (channelID string, ok bool) {
	if len(frame) != handshakeSize {
		return "", false
	}
	if binary.LittleEndian.Uint32(frame[0:4]) != handshakeMagic {
		return "", false
	}
	if binary.LittleEndian.Uint16(frame[4:6]) != handshakeVersion {
		return "", false
	}
	raw := frame[6 : 6+channelIDFieldSize]
	n := 0
	for n < len(raw) && raw[n] != 0 {
		n++
	}
	return string(raw[:n]), true
}
