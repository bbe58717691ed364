package codec

import "math"

func floatBits(v float32) uint32 {
	return math.Float32bits(v)
}

func floatFromBits(v uint32) float32 {
	return math.Float32frombits(v)
}
