package dac

import (
	"encoding/binary"
	"fmt"
)

// Configuration nibbles OR'd into bits [15:12] of every transfer word.
const (
	ConfigALowGain  uint16 = 0x3000
	ConfigAHighGain uint16 = 0x1000
	ConfigBLowGain  uint16 = 0xB000
	ConfigBHighGain uint16 = 0x9000
)

// FrameSize is the number of bytes per transfer.
const FrameSize = 2

// ConfigWord returns the configuration nibble for a channel and gain.
func ConfigWord(ch Channel, highGain bool) uint16 {
	switch {
	case ch == ChannelA && !highGain:
		return ConfigALowGain
	case ch == ChannelA:
		return ConfigAHighGain
	case !highGain:
		return ConfigBLowGain
	default:
		return ConfigBHighGain
	}
}

// Word packs a quantized sample with its configuration nibble.
func Word(sample uint16, ch Channel, highGain bool) uint16 {
	return sample&valueMask | ConfigWord(ch, highGain)
}

// ShutdownWord returns the transfer that powers a channel down. The output
// pin is left in high impedance until the next active write.
func ShutdownWord(ch Channel) uint16 {
	word := bitLowGain
	if ch == ChannelB {
		word |= bitChannelB
	}
	return word
}

// Encode packs samples into a big-endian byte buffer, two bytes per sample.
func Encode(samples []uint16, ch Channel, highGain bool) []byte {
	out := make([]byte, FrameSize*len(samples))
	cfg := ConfigWord(ch, highGain)
	for i, sample := range samples {
		binary.BigEndian.PutUint16(out[FrameSize*i:], sample&valueMask|cfg)
	}
	return out
}

// PutWord serializes a single word into dst, which must hold FrameSize bytes.
func PutWord(dst []byte, word uint16) {
	binary.BigEndian.PutUint16(dst, word)
}

// Decoded is the inverse of Word.
type Decoded struct {
	Channel  Channel
	HighGain bool
	Active   bool
	Value    uint16
}

// Decode splits a transfer word into its fields.
func Decode(word uint16) Decoded {
	ch := ChannelA
	if word&bitChannelB != 0 {
		ch = ChannelB
	}
	return Decoded{
		Channel:  ch,
		HighGain: word&bitLowGain == 0,
		Active:   word&bitActive != 0,
		Value:    word & valueMask,
	}
}

// DecodeFrame reads the word at the start of a two-byte transfer.
func DecodeFrame(frame []byte) (Decoded, error) {
	if len(frame) < FrameSize {
		return Decoded{}, fmt.Errorf("dac: frame of %d bytes, need %d", len(frame), FrameSize)
	}
	return Decode(binary.BigEndian.Uint16(frame)), nil
}
