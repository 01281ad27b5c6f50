package filedev

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/MrWong99/interviewkit/pkg/audio"
)

const (
	wavFormatPCM   = 1
	wavFormatFloat = 3
)

// ErrUnsupportedWAV is returned for WAV files that are not 16-bit PCM or
// 32-bit float.
var ErrUnsupportedWAV = errors.New("filedev: unsupported wav encoding")

// Clip is decoded mono audio.
type Clip struct {
	Samples    []float32
	SampleRate int
}

// ReadWAV decodes a RIFF/WAVE stream. 16-bit integer PCM and 32-bit IEEE
// float are supported; multi-channel audio is averaged down to mono.
func ReadWAV(r io.Reader) (Clip, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Clip{}, fmt.Errorf("filedev: read riff header: %w", err)
	}
	if string(hdr[0:4]) != "RIFF" || string(hdr[8:12]) != "WAVE" {
		return Clip{}, fmt.Errorf("filedev: not a RIFF/WAVE stream")
	}

	var (
		format, channels, bits uint16
		rate                   uint32
		haveFmt                bool
	)
	for {
		var ch [8]byte
		if _, err := io.ReadFull(r, ch[:]); err != nil {
			return Clip{}, fmt.Errorf("filedev: missing data chunk: %w", err)
		}
		id := string(ch[0:4])
		size := binary.LittleEndian.Uint32(ch[4:8])

		switch id {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return Clip{}, fmt.Errorf("filedev: read fmt chunk: %w", err)
			}
			if size < 16 {
				return Clip{}, fmt.Errorf("filedev: fmt chunk too short (%d bytes)", size)
			}
			format = binary.LittleEndian.Uint16(body[0:2])
			channels = binary.LittleEndian.Uint16(body[2:4])
			rate = binary.LittleEndian.Uint32(body[4:8])
			bits = binary.LittleEndian.Uint16(body[14:16])
			haveFmt = true
		case "data":
			if !haveFmt {
				return Clip{}, fmt.Errorf("filedev: data chunk before fmt chunk")
			}
			if rate == 0 {
				return Clip{}, fmt.Errorf("%w: zero sample rate", ErrUnsupportedWAV)
			}
			body := make([]byte, size)
			n, err := io.ReadFull(r, body)
			if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
				return Clip{}, fmt.Errorf("filedev: read data chunk: %w", err)
			}
			samples, err := decodeFrames(body[:n], format, bits, int(channels))
			if err != nil {
				return Clip{}, err
			}
			return Clip{Samples: samples, SampleRate: int(rate)}, nil
		default:
			skip := int64(size) + int64(size&1)
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return Clip{}, fmt.Errorf("filedev: skip %q chunk: %w", id, err)
			}
			continue
		}
		if size&1 == 1 {
			if _, err := io.CopyN(io.Discard, r, 1); err != nil {
				return Clip{}, fmt.Errorf("filedev: chunk padding: %w", err)
			}
		}
	}
}

func decodeFrames(data []byte, format, bits uint16, channels int) ([]float32, error) {
	if channels < 1 {
		return nil, fmt.Errorf("%w: %d channels", ErrUnsupportedWAV, channels)
	}
	var interleaved []float32
	switch {
	case format == wavFormatPCM && bits == 16:
		interleaved = audio.DecodePCM16(data)
	case format == wavFormatFloat && bits == 32:
		interleaved = make([]float32, len(data)/4)
		for i := range interleaved {
			interleaved[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
	default:
		return nil, fmt.Errorf("%w: format %d, %d bits", ErrUnsupportedWAV, format, bits)
	}
	if channels == 1 {
		return interleaved, nil
	}

	frames := len(interleaved) / channels
	mono := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += interleaved[i*channels+c]
		}
		mono[i] = sum / float32(channels)
	}
	return mono, nil
}

// WriteWAV writes samples as a mono 16-bit PCM WAV stream.
func WriteWAV(w io.Writer, samples []float32, sampleRate int) error {
	data := audio.Quantize(samples)
	hdr := make([]byte, 44)
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(36+len(data)))
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(hdr[22:24], 1)
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(hdr[32:34], 2)
	binary.LittleEndian.PutUint16(hdr[34:36], 16)
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], uint32(len(data)))
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("filedev: write wav header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("filedev: write wav data: %w", err)
	}
	return nil
}
