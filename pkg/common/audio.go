package common

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/faiface/beep/wav"
)

// WAVFormat describes the PCM layout announced by a WAV header
type WAVFormat struct {
	SampleRate    int `json:"sample_rate"`
	Channels      int `json:"channels"`
	BitsPerSample int `json:"bits_per_sample"`
}

// ProbeWAV decodes the RIFF/WAVE header at the start of header. The slice only
// needs to contain the header; the data section may be truncated.
func ProbeWAV(header []byte) (WAVFormat, error) {
	_, format, err := wav.Decode(bytes.NewReader(header))
	if err != nil {
		return WAVFormat{}, fmt.Errorf("probe wav header: %w", err)
	}

	return WAVFormat{
		SampleRate:    int(format.SampleRate),
		Channels:      format.NumChannels,
		BitsPerSample: format.Precision * 8,
	}, nil
}

// WAVDataOffset returns where the sample data starts in a buffer that begins
// with a RIFF/WAVE header. ok is false when the data chunk header is not
// contained in header.
func WAVDataOffset(header []byte) (offset int, ok bool) {
	if len(header) < 12 || string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return 0, false
	}

	pos := 12
	for pos+8 <= len(header) {
		id := string(header[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(header[pos+4 : pos+8]))
		if id == "data" {
			return pos + 8, true
		}
		// RIFF chunks are padded to an even size
		pos += 8 + size + size%2
	}
	return 0, false
}

// ByteRate returns the number of PCM bytes per second of audio
func (f WAVFormat) ByteRate() int {
	return f.SampleRate * f.Channels * f.BitsPerSample / 8
}

func (f WAVFormat) String() string {
	return fmt.Sprintf("%d Hz, %d ch, %d bit", f.SampleRate, f.Channels, f.BitsPerSample)
}

// bytesToInt16 converts little-endian 16-bit PCM to samples
func bytesToInt16(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples
}

// PeakLevel returns the absolute peak of a 16-bit little-endian PCM buffer,
// normalised to 0..1.
func PeakLevel(pcm []byte) float64 {
	var peak int32
	for _, s := range bytesToInt16(pcm) {
		v := int32(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return float64(peak) / 32768
}

// PeakMeter measures 16-bit little-endian PCM that arrives in chunks of any
// length. A trailing odd byte is kept and paired with the next chunk.
type PeakMeter struct {
	carry    byte
	hasCarry bool
}

// Measure returns the peak of the complete samples in pcm
func (m *PeakMeter) Measure(pcm []byte) float64 {
	if m.hasCarry {
		pcm = append([]byte{m.carry}, pcm...)
		m.hasCarry = false
	}
	if len(pcm)%2 == 1 {
		m.carry = pcm[len(pcm)-1]
		m.hasCarry = true
		pcm = pcm[:len(pcm)-1]
	}
	return PeakLevel(pcm)
}
