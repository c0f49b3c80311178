package audio

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func pcmConstant(v int16, samples int) []byte {
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}

func TestRMSPCM16(t *testing.T) {
	if got := RMSPCM16(pcmConstant(0, 160)); got != 0 {
		t.Fatalf("RMS(silence) = %v, want 0", got)
	}
	got := RMSPCM16(pcmConstant(16384, 160))
	if got < 0.49 || got > 0.51 {
		t.Fatalf("RMS(half scale) = %v, want ~0.5", got)
	}
	if got := RMSPCM16([]byte{1}); got != 0 {
		t.Fatalf("RMS(odd byte) = %v, want 0", got)
	}
}

func TestEncodeWAVHeader(t *testing.T) {
	pcm := pcmConstant(100, 8)
	wav, err := EncodeWAV(pcm, 24000, 2)
	if err != nil {
		t.Fatalf("EncodeWAV() error = %v", err)
	}
	if len(wav) != 44+len(pcm) {
		t.Fatalf("len = %d, want %d", len(wav), 44+len(pcm))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[36:40]) != "data" {
		t.Fatalf("unexpected chunk ids: %q", wav[:44])
	}
	if ch := binary.LittleEndian.Uint16(wav[22:]); ch != 2 {
		t.Fatalf("channels = %d, want 2", ch)
	}
	if rate := binary.LittleEndian.Uint32(wav[24:]); rate != 24000 {
		t.Fatalf("sample rate = %d, want 24000", rate)
	}
	if byteRate := binary.LittleEndian.Uint32(wav[28:]); byteRate != 24000*4 {
		t.Fatalf("byte rate = %d, want %d", byteRate, 24000*4)
	}
}

func TestWriteWAVFileJoinsChunks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "utt.wav")
	chunks := [][]byte{pcmConstant(1, 4), pcmConstant(2, 4)}
	if err := WriteWAVFile(path, chunks, 16000, 1); err != nil {
		t.Fatalf("WriteWAVFile() error = %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if size := binary.LittleEndian.Uint32(raw[40:]); size != 16 {
		t.Fatalf("data size = %d, want 16", size)
	}
}
