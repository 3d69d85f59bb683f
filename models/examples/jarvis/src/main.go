//go:build tinygo || wasm

// Command jarvis is a reference keyword model for the wasm detector. It uses
// the same sustained-energy rule as the built-in energy backend so the ABI can
// be exercised end to end without a trained network.
//
//	tinygo build -o ../jarvis.wasm -target wasi ./
package main

import (
	"math"
	"strconv"

	"github.com/loqalabs/loqa-wake/models/examples/internal/host"
)

const (
	frameLength      = 512
	holdFrames       = 3
	refractoryFrames = 30
	minThreshold     = 200.0
	maxThreshold     = 6000.0
)

var (
	buffer     [frameLength * 2]byte
	threshold  float64
	keyword    int32
	loud       int
	refractory int
)

//export kws_init
func kwsInit(sensitivityMilli, index int32) int32 {
	if sensitivityMilli < 0 || sensitivityMilli > 1000 {
		return 1
	}
	s := float64(sensitivityMilli) / 1000
	threshold = minThreshold + (maxThreshold-minThreshold)*(1-s)
	keyword = index
	host.Log("jarvis model ready, threshold " + strconv.Itoa(int(threshold)))
	return 0
}

//export kws_buffer
func kwsBuffer() uint32 {
	return uint32(uintptrOf(&buffer[0]))
}

//export kws_process
func kwsProcess(samples int32) int32 {
	if samples <= 0 || int(samples) > frameLength {
		return -1
	}
	var sum float64
	for i := 0; i < int(samples); i++ {
		v := float64(int16(uint16(buffer[2*i]) | uint16(buffer[2*i+1])<<8))
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(samples))

	if refractory > 0 {
		refractory--
		return -1
	}
	if rms < threshold {
		loud = 0
		return -1
	}
	loud++
	if loud < holdFrames {
		return -1
	}
	loud = 0
	refractory = refractoryFrames
	return keyword
}

func main() {}
