package activity

import (
	"math"
	"sync"
)

// Window keeps the latest size samples of a mono PCM stream, normalized
// to [-1, 1].
type Window struct {
	mu     sync.Mutex
	buf    []float64
	pos    int
	filled bool
}

func NewWindow(size int) *Window {
	if size <= 0 {
		size = 256
	}
	return &Window{buf: make([]float64, size)}
}

func (w *Window) WriteInt16(samples []int16) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range samples {
		w.push(float64(s) / 32768)
	}
}

func (w *Window) WriteFloat32(samples []float32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range samples {
		w.push(float64(s))
	}
}

func (w *Window) push(v float64) {
	w.buf[w.pos] = v
	w.pos++
	if w.pos == len(w.buf) {
		w.pos = 0
		w.filled = true
	}
}

// Level is the RMS of the samples currently in the window.
func (w *Window) Level() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.pos
	if w.filled {
		n = len(w.buf)
	}
	return RMS(w.buf[:n])
}

// Reset forgets every sample, e.g. after the source was muted.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.buf {
		w.buf[i] = 0
	}
	w.pos = 0
	w.filled = false
}

func RMS(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Scale maps an RMS value onto the 0..100 display level.
func Scale(rms float64) int {
	if rms <= 0 || math.IsNaN(rms) {
		return 0
	}
	level := math.Floor(rms * 1000)
	if level > 100 {
		return 100
	}
	return int(level)
}
