// Package audio decodes synthesized speech and plays it on the kiosk speaker.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// ErrDecode is returned when audio bytes are not a supported WAV stream.
var ErrDecode = errors.New("audio: decode failed")

// Clip is decoded PCM audio ready for playback.
type Clip struct {
	SampleRate int
	Channels   int
	BitDepth   int
	PCM        []byte // interleaved little-endian samples
}

// Duration returns the playback length of the clip.
func (c *Clip) Duration() time.Duration {
	frame := c.Channels * c.BitDepth / 8
	if frame == 0 || c.SampleRate == 0 {
		return 0
	}
	frames := len(c.PCM) / frame
	return time.Duration(frames) * time.Second / time.Duration(c.SampleRate)
}

// Samples returns the PCM data as int16 samples. Only valid for 16-bit clips.
func (c *Clip) Samples() []int16 {
	return ConvertPCM16ToInt16(c.PCM)
}

// DecodeWAV parses a RIFF/WAVE byte stream carrying integer PCM.
func DecodeWAV(data []byte) (*Clip, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("%w: not a RIFF/WAVE stream", ErrDecode)
	}

	var (
		clip    Clip
		haveFmt bool
	)
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if size < 0 || body+size > len(data) {
			// Some encoders write a bogus size for a trailing data chunk.
			if id == "data" {
				size = len(data) - body
			} else {
				return nil, fmt.Errorf("%w: chunk %q overruns stream", ErrDecode, id)
			}
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("%w: short fmt chunk", ErrDecode)
			}
			format := binary.LittleEndian.Uint16(data[body:])
			if format != 1 && format != 0xFFFE {
				return nil, fmt.Errorf("%w: unsupported format tag %d", ErrDecode, format)
			}
			clip.Channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			clip.SampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			clip.BitDepth = int(binary.LittleEndian.Uint16(data[body+14:]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, fmt.Errorf("%w: data before fmt", ErrDecode)
			}
			clip.PCM = data[body : body+size]
		}

		// Chunks are word aligned.
		pos = body + size + size%2
	}

	if !haveFmt || clip.PCM == nil {
		return nil, fmt.Errorf("%w: missing fmt or data chunk", ErrDecode)
	}
	if clip.Channels < 1 || clip.SampleRate < 1 || clip.BitDepth%8 != 0 || clip.BitDepth == 0 {
		return nil, fmt.Errorf("%w: invalid format %dch %dHz %dbit",
			ErrDecode, clip.Channels, clip.SampleRate, clip.BitDepth)
	}
	return &clip, nil
}

// EncodeWAV serializes a clip as a canonical 44-byte header WAV stream.
func EncodeWAV(c *Clip) []byte {
	var buf bytes.Buffer
	blockAlign := c.Channels * c.BitDepth / 8

	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(c.PCM)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(c.Channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(c.SampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(c.SampleRate*blockAlign))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(c.BitDepth))

	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(c.PCM)))
	buf.Write(c.PCM)
	return buf.Bytes()
}

// ConvertPCM16ToInt16 converts byte slice to int16 samples.
func ConvertPCM16ToInt16(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

// ConvertInt16ToPCM16 converts int16 samples to byte slice.
func ConvertInt16ToPCM16(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}
