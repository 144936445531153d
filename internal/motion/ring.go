package motion

// ring is a fixed-capacity window of float64 values.
type ring struct {
	data []float64
	pos  int
	full bool
}

func newRing(n int) *ring {
	if n < 1 {
		n = 1
	}
	return &ring{data: make([]float64, n)}
}

func (r *ring) push(v float64) {
	r.data[r.pos] = v
	r.pos++
	if r.pos >= len(r.data) {
		r.pos = 0
		r.full = true
	}
}

func (r *ring) reset() {
	r.pos = 0
	r.full = false
}

// spread is max-min over the held values.
func (r *ring) spread() float64 {
	n := r.pos
	if r.full {
		n = len(r.data)
	}
	if n == 0 {
		return 0
	}
	lo, hi := r.data[0], r.data[0]
	for _, v := range r.data[1:n] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return hi - lo
}
