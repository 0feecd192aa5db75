package recorder

import (
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/MrWong99/bridgespeak/pkg/tts"
)

func TestConvert(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   []int16
		to   Format
		want []int16
	}{
		{
			name: "source format is unchanged",
			in:   []int16{1, 2, 3, 4},
			to:   SourceFormat,
			want: []int16{1, 2, 3, 4},
		},
		{
			name: "stereo to mono averages",
			in:   []int16{10, 20, -4, 4, 32767, 32767},
			to:   Format{SampleRate: SampleRate, Channels: 1},
			want: []int16{15, 0, 32767},
		},
		{
			name: "halve rate keeps every other frame",
			in:   []int16{1, -1, 2, -2, 3, -3, 4, -4},
			to:   Format{SampleRate: SampleRate / 2, Channels: 2},
			want: []int16{1, -1, 3, -3},
		},
		{
			name: "third rate mono",
			in:   []int16{6, 6, 0, 0, 0, 0, 12, 12, 0, 0, 0, 0},
			to:   Format{SampleRate: 16000, Channels: 1},
			want: []int16{6, 12},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := convert(tc.in, tc.to); !slices.Equal(got, tc.want) {
				t.Errorf("convert = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestResample_Interpolates(t *testing.T) {
	t.Parallel()

	// Doubling the rate inserts midpoints; the last frame repeats.
	got := resample([]int16{0, 10, 20}, 1, 8000, 16000)
	want := []int16{0, 5, 10, 15, 20, 20}
	if !slices.Equal(got, want) {
		t.Errorf("resample = %v, want %v", got, want)
	}
}

func TestRecorder_WithFormat(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bot.wav")
	r, err := Create(path, WithDecoder(&fakeDecoder{}), WithFormat(Format{SampleRate: SampleRate, Channels: 1}))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.Write([]byte{4, 8}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// Each packet byte is one (b, -b) frame, which averages to zero.
	if got := r.Bytes(); got != 4 {
		t.Errorf("Bytes = %d, want 4", got)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	info, err := tts.ParseWAV(data)
	if err != nil {
		t.Fatalf("ParseWAV: %v", err)
	}
	if info.Channels != 1 || info.SampleRate != SampleRate || info.DataLength != 4 {
		t.Errorf("format = %+v", info)
	}
}

func TestCreate_UnsupportedFormat(t *testing.T) {
	t.Parallel()

	for _, f := range []Format{{SampleRate: 0, Channels: 1}, {SampleRate: 16000, Channels: 6}} {
		if _, err := Create(filepath.Join(t.TempDir(), "bot.wav"), WithDecoder(&fakeDecoder{}), WithFormat(f)); err == nil {
			t.Errorf("Create with %+v: expected error", f)
		}
	}
}
