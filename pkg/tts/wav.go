package tts

import (
	"encoding/binary"
	"errors"
)

// WAVInfo holds the format metadata extracted from a RIFF/WAVE header.
type WAVInfo struct {
	DataOffset    int // byte offset of the first PCM sample
	DataLength    int // length of the data chunk as declared by the header
	SampleRate    int // samples per second (e.g. 22050, 44100, 48000)
	Channels      int // 1 = mono, 2 = stereo
	BitsPerSample int
}

// ParseWAV walks the RIFF chunks of wav and returns the data offset and the
// audio format from the "fmt " sub-chunk. The fmt chunk size varies between
// encoders, so a fixed 44-byte header is never assumed.
func ParseWAV(wav []byte) (WAVInfo, error) {
	if len(wav) < 12 {
		return WAVInfo{}, errors.New("tts: WAV payload too short to be a RIFF file")
	}
	if string(wav[0:4]) != "RIFF" {
		return WAVInfo{}, errors.New("tts: WAV payload missing RIFF header")
	}
	if string(wav[8:12]) != "WAVE" {
		return WAVInfo{}, errors.New("tts: WAV payload missing WAVE identifier")
	}

	var info WAVInfo
	foundFmt := false

	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(wav) {
				f := wav[offset+8:]
				info.Channels = int(binary.LittleEndian.Uint16(f[2:4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(f[4:8]))
				info.BitsPerSample = int(binary.LittleEndian.Uint16(f[14:16]))
				foundFmt = true
			}
		case "data":
			if !foundFmt {
				return WAVInfo{}, errors.New("tts: WAV data chunk precedes fmt chunk")
			}
			info.DataOffset = offset + 8
			info.DataLength = chunkSize
			return info, nil
		}

		// Chunks are word-aligned.
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return WAVInfo{}, errors.New("tts: WAV payload missing data chunk")
}

// WAVHeader returns a canonical 44-byte header for 16-bit PCM audio with
// dataLen bytes of samples.
func WAVHeader(dataLen, sampleRate, channels int) []byte {
	const bitsPerSample = 16
	blockAlign := channels * bitsPerSample / 8
	le := binary.LittleEndian

	h := make([]byte, 44)
	copy(h[0:4], "RIFF")
	le.PutUint32(h[4:8], uint32(36+dataLen))
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	le.PutUint32(h[16:20], 16)
	le.PutUint16(h[20:22], 1) // PCM
	le.PutUint16(h[22:24], uint16(channels))
	le.PutUint32(h[24:28], uint32(sampleRate))
	le.PutUint32(h[28:32], uint32(sampleRate*blockAlign))
	le.PutUint16(h[32:34], uint16(blockAlign))
	le.PutUint16(h[34:36], bitsPerSample)
	copy(h[36:40], "data")
	le.PutUint32(h[40:44], uint32(dataLen))
	return h
}
