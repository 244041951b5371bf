package resize

import "errors"

// ErrInvalidResize is returned for malformed resize parameters.
var ErrInvalidResize = errors.New("invalid resize")

// maxSample bounds the sample loops for degenerate inputs.
const maxSample = 1 << 16

// Sampled returns the length of a dimension after downsampling by sample,
// rounding half up.
func Sampled(n, sample int) int {
	if sample <= 1 {
		return n
	}
	return max((n+sample/2)/sample, 1)
}

// SampleSize returns the largest power of two that keeps both sampled
// dimensions at or above the target. It never returns less than 1.
func SampleSize(srcW, srcH, dstW, dstH int) int {
	if dstW <= 0 || dstH <= 0 {
		return 1
	}
	sample := 1
	for sample < maxSample {
		next := sample * 2
		if Sampled(srcW, next) < dstW || Sampled(srcH, next) < dstH {
			break
		}
		sample = next
	}
	return sample
}

// SampleSizeForPixels returns the smallest power of two whose sampled size
// has no more pixels than dstW*dstH.
func SampleSizeForPixels(srcW, srcH, dstW, dstH int) int {
	target := int64(dstW) * int64(dstH)
	if target <= 0 {
		return 1
	}
	sample := 1
	for sample < maxSample {
		if int64(Sampled(srcW, sample))*int64(Sampled(srcH, sample)) <= target {
			break
		}
		if Sampled(srcW, sample) <= 1 && Sampled(srcH, sample) <= 1 {
			break
		}
		sample *= 2
	}
	return sample
}
