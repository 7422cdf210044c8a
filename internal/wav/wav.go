// Package wav reads 16-bit mono PCM WAV files as raw little-endian bytes,
// the format the relay expects on the wire.
package wav

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// Header holds the parsed RIFF/WAV header fields.
type Header struct {
	SampleRate    uint32
	BitsPerSample uint16
	NumChannels   uint16
	NumSamples    int
}

// Duration of the audio described by the header.
func (h Header) Duration() time.Duration {
	if h.SampleRate == 0 {
		return 0
	}
	return time.Duration(h.NumSamples) * time.Second / time.Duration(h.SampleRate)
}

// Read parses a WAV stream and returns its PCM payload unchanged.
func Read(r io.ReadSeeker) (Header, []byte, error) {
	var header Header

	var riffID [4]byte
	if err := binary.Read(r, binary.LittleEndian, &riffID); err != nil {
		return header, nil, fmt.Errorf("read RIFF ID: %w", err)
	}
	if string(riffID[:]) != "RIFF" {
		return header, nil, errors.New("not a RIFF file")
	}
	var fileSize uint32
	if err := binary.Read(r, binary.LittleEndian, &fileSize); err != nil {
		return header, nil, fmt.Errorf("read file size: %w", err)
	}
	var waveID [4]byte
	if err := binary.Read(r, binary.LittleEndian, &waveID); err != nil {
		return header, nil, fmt.Errorf("read WAVE ID: %w", err)
	}
	if string(waveID[:]) != "WAVE" {
		return header, nil, errors.New("not a WAVE file")
	}

	fmtFound := false
	for {
		var chunkID [4]byte
		if err := binary.Read(r, binary.LittleEndian, &chunkID); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return header, nil, fmt.Errorf("read chunk ID: %w", err)
		}
		var chunkSize uint32
		if err := binary.Read(r, binary.LittleEndian, &chunkSize); err != nil {
			return header, nil, fmt.Errorf("read chunk size: %w", err)
		}

		switch string(chunkID[:]) {
		case "fmt ":
			if err := readFmtChunk(r, chunkSize, &header); err != nil {
				return header, nil, err
			}
			fmtFound = true
		case "data":
			if !fmtFound {
				return header, nil, errors.New("data chunk before fmt chunk")
			}
			// the size field is not trusted: streamed files often carry
			// 0xFFFFFFFF, and truncated files are tolerated
			pcm, err := io.ReadAll(io.LimitReader(r, int64(chunkSize)))
			if err != nil {
				return header, nil, fmt.Errorf("read PCM data: %w", err)
			}
			n := len(pcm)
			pcm = pcm[:n-n%2]
			header.NumSamples = len(pcm) / 2
			return header, pcm, nil
		default:
			skip := int64(chunkSize)
			if chunkSize%2 != 0 {
				skip++
			}
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return header, nil, fmt.Errorf("skip chunk %q: %w", chunkID, err)
			}
		}
	}

	if !fmtFound {
		return header, nil, errors.New("missing fmt chunk")
	}
	return header, nil, errors.New("missing data chunk")
}

// ReadFile is a convenience wrapper that opens a file path.
func ReadFile(path string) (Header, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, nil, err
	}
	defer f.Close()
	return Read(f)
}

func readFmtChunk(r io.ReadSeeker, size uint32, h *Header) error {
	var audioFormat uint16
	if err := binary.Read(r, binary.LittleEndian, &audioFormat); err != nil {
		return fmt.Errorf("read audio format: %w", err)
	}
	if audioFormat != 1 {
		return fmt.Errorf("unsupported audio format %d (only PCM=1 supported)", audioFormat)
	}
	if err := binary.Read(r, binary.LittleEndian, &h.NumChannels); err != nil {
		return fmt.Errorf("read num channels: %w", err)
	}
	if h.NumChannels != 1 {
		return fmt.Errorf("unsupported channel count %d (only mono supported)", h.NumChannels)
	}
	if err := binary.Read(r, binary.LittleEndian, &h.SampleRate); err != nil {
		return fmt.Errorf("read sample rate: %w", err)
	}
	// byteRate (4) and blockAlign (2)
	if _, err := r.Seek(6, io.SeekCurrent); err != nil {
		return fmt.Errorf("skip byte rate / block align: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &h.BitsPerSample); err != nil {
		return fmt.Errorf("read bits per sample: %w", err)
	}
	if h.BitsPerSample != 16 {
		return fmt.Errorf("unsupported bits per sample %d (only 16 supported)", h.BitsPerSample)
	}
	const consumed = 16
	if size > consumed {
		if _, err := r.Seek(int64(size-consumed), io.SeekCurrent); err != nil {
			return fmt.Errorf("skip extra fmt bytes: %w", err)
		}
	}
	return nil
}
