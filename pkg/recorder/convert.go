package recorder

// Format describes the sample rate and channel count of recorded PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// SourceFormat is the format of decoded bot audio.
var SourceFormat = Format{SampleRate: SampleRate, Channels: Channels}

// valid reports whether f can be written. Only mono and stereo are supported.
func (f Format) valid() bool {
	return f.SampleRate > 0 && (f.Channels == 1 || f.Channels == 2)
}

// convert turns interleaved SourceFormat samples into to. Resampling runs
// before the channel conversion so a mono target never resamples stereo.
func convert(pcm []int16, to Format) []int16 {
	if to == SourceFormat {
		return pcm
	}
	if to.SampleRate != SampleRate {
		pcm = resample(pcm, Channels, SampleRate, to.SampleRate)
	}
	if to.Channels == 1 {
		pcm = stereoToMono(pcm)
	}
	return pcm
}

// stereoToMono averages each L+R pair.
func stereoToMono(pcm []int16) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16((int32(pcm[i*2]) + int32(pcm[i*2+1])) / 2)
	}
	return out
}

// resample converts interleaved pcm with the given channel count from src to
// dst Hz using linear interpolation. Each call is independent, so packet
// boundaries are not interpolated across.
func resample(pcm []int16, channels, src, dst int) []int16 {
	if src <= 0 || dst <= 0 || src == dst || len(pcm) < channels {
		return pcm
	}
	srcFrames := len(pcm) / channels
	dstFrames := int(int64(srcFrames) * int64(dst) / int64(src))
	if dstFrames == 0 {
		return nil
	}

	out := make([]int16, dstFrames*channels)
	ratio := float64(src) / float64(dst)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = idx
		}
		for ch := range channels {
			s0 := float64(pcm[idx*channels+ch])
			s1 := float64(pcm[next*channels+ch])
			out[i*channels+ch] = int16(s0*(1-frac) + s1*frac)
		}
	}
	return out
}
