package embedding

import (
	"encoding/binary"
	"math"
)

// Cosine returns the cosine similarity between two vectors.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float32
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	denom := float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB)))
	if denom == 0 {
		return 0
	}
	return dot / denom
}

// Normalize performs L2 normalization on v in place and returns it.
func Normalize(v []float32) []float32 {
	var sum float32
	for _, x := range v {
		sum += x * x
	}
	norm := float32(math.Sqrt(float64(sum)))
	if norm == 0 {
		return v
	}
	for i := range v {
		v[i] /= norm
	}
	return v
}

// Clone returns a copy of v.
func Clone(v []float32) []float32 {
	if v == nil {
		return nil
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out
}

// RunningMean folds v into mean, which currently averages n-1 vectors, so that
// it averages n. mean is updated in place.
func RunningMean(mean, v []float32, n int) {
	if n <= 0 {
		return
	}
	inv := 1 / float32(n)
	for i := range mean {
		mean[i] += (v[i] - mean[i]) * inv
	}
}

// WeightedMean combines two means over na and nb vectors.
func WeightedMean(a []float32, na int, b []float32, nb int) []float32 {
	if na+nb == 0 {
		return Clone(a)
	}
	out := make([]float32, len(a))
	wa := float32(na) / float32(na+nb)
	wb := float32(nb) / float32(na+nb)
	for i := range a {
		out[i] = wa*a[i] + wb*b[i]
	}
	return out
}

// VecAsBytes converts a float32 vector to a raw byte blob (for DB storage).
func VecAsBytes(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// BytesAsVec is the inverse of VecAsBytes. A nil or empty blob yields nil.
func BytesAsVec(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
