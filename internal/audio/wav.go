package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// WAVHeaderSize is the fixed size of the canonical RIFF/WAVE header.
	WAVHeaderSize = 44

	wavFormatPCM     = 1
	wavBitsPerSample = 16
	wavNumChannels   = 1
)

var ErrInvalidWAV = errors.New("invalid wav container")

// WAVHeader holds the fields of a canonical 44-byte PCM WAV header.
type WAVHeader struct {
	ChunkSize     uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	DataSize      uint32
}

// EncodeCanonicalWAV quantizes normalized samples and wraps them in a mono
// 16-bit little-endian WAV container.
func EncodeCanonicalWAV(samples []float32, sampleRate int) ([]byte, error) {
	return EncodeWAVPCM16LE(QuantizePCM16(samples), sampleRate)
}

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(WAVHeaderSize + len(pcm))
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LETo writes raw PCM16LE mono audio bytes to out as a WAV stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm16 payload has odd length %d", len(pcm))
	}

	dataSize := uint32(len(pcm))
	h := WAVHeader{
		ChunkSize:     36 + dataSize,
		AudioFormat:   wavFormatPCM,
		NumChannels:   wavNumChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * wavNumChannels * wavBitsPerSample / 8),
		BlockAlign:    uint16(wavNumChannels * wavBitsPerSample / 8),
		BitsPerSample: wavBitsPerSample,
		DataSize:      dataSize,
	}

	w := bufio.NewWriter(out)

	// RIFF header.
	if _, err := w.WriteString("RIFF"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, h.ChunkSize); err != nil {
		return err
	}
	if _, err := w.WriteString("WAVE"); err != nil {
		return err
	}

	// fmt chunk.
	if _, err := w.WriteString("fmt "); err != nil {
		return err
	}
	fmtFields := []any{uint32(16), h.AudioFormat, h.NumChannels, h.SampleRate, h.ByteRate, h.BlockAlign, h.BitsPerSample}
	for _, v := range fmtFields {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}

	// data chunk.
	if _, err := w.WriteString("data"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, h.DataSize); err != nil {
		return err
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

// DecodeWAV parses a WAV container and returns its header and PCM16 payload.
// Only uncompressed 16-bit PCM is accepted; unknown chunks before "data" are skipped.
func DecodeWAV(data []byte) (WAVHeader, []byte, error) {
	var h WAVHeader
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return h, nil, fmt.Errorf("%w: missing RIFF/WAVE preamble", ErrInvalidWAV)
	}
	h.ChunkSize = binary.LittleEndian.Uint32(data[4:8])

	var haveFmt bool
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(data) {
			if id == "data" {
				// Streamed WAVs sometimes carry a bogus data size; take what is there.
				size = len(data) - body
			} else {
				return h, nil, fmt.Errorf("%w: chunk %q overruns container", ErrInvalidWAV, id)
			}
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return h, nil, fmt.Errorf("%w: short fmt chunk", ErrInvalidWAV)
			}
			f := data[body : body+size]
			h.AudioFormat = binary.LittleEndian.Uint16(f[0:2])
			h.NumChannels = binary.LittleEndian.Uint16(f[2:4])
			h.SampleRate = binary.LittleEndian.Uint32(f[4:8])
			h.ByteRate = binary.LittleEndian.Uint32(f[8:12])
			h.BlockAlign = binary.LittleEndian.Uint16(f[12:14])
			h.BitsPerSample = binary.LittleEndian.Uint16(f[14:16])
			haveFmt = true
		case "data":
			if !haveFmt {
				return h, nil, fmt.Errorf("%w: data chunk before fmt", ErrInvalidWAV)
			}
			if h.AudioFormat != wavFormatPCM || h.BitsPerSample != wavBitsPerSample {
				return h, nil, fmt.Errorf("%w: unsupported format=%d bits=%d", ErrInvalidWAV, h.AudioFormat, h.BitsPerSample)
			}
			size -= size % 2
			h.DataSize = uint32(size)
			return h, data[body : body+size], nil
		}
		off = body + size + size%2
	}
	return h, nil, fmt.Errorf("%w: no data chunk", ErrInvalidWAV)
}
