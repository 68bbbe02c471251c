package gateway

import "github.com/luminakids/lumina/internal/protocol"

// samplesToBytes converts 16-bit PCM samples to little-endian bytes.
func samplesToBytes(samples []int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}

// bytesToSamples converts little-endian bytes to 16-bit PCM samples.
// A trailing odd byte is dropped.
func bytesToSamples(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(data[2*i]) | int16(data[2*i+1])<<8
	}
	return out
}

// pcmFrameBytes is the byte size of one uncompressed frame for the
// negotiated format.
func pcmFrameBytes(audio protocol.AudioFormat) int {
	n := audio.SampleRate * audio.FrameDurationMs / 1000 * audio.Channels * 2
	if n <= 0 {
		n = 1920 // 60ms of 16kHz mono
	}
	return n
}

// chunkBytes splits data into size-byte chunks; the last chunk may be
// shorter.
func chunkBytes(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for off := 0; off < len(data); off += size {
		end := off + size
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[off:end])
	}
	return chunks
}
