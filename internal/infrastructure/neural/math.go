// Package neural implements the attention-based sequence predictor and its
// gradients.
package neural

import (
	"math"
	"math/rand"
)

// gelu is the exact Gaussian error linear unit.
func gelu(x float64) float64 {
	return 0.5 * x * (1 + math.Erf(x/math.Sqrt2))
}

// geluGrad is the derivative of the exact GELU.
func geluGrad(x float64) float64 {
	return 0.5*(1+math.Erf(x/math.Sqrt2)) + x*math.Exp(-0.5*x*x)/math.Sqrt(2*math.Pi)
}

// softmaxRow normalizes one attention row in place, subtracting the max for
// numerical stability.
func softmaxRow(row []float64) {
	maxV := row[0]
	for _, v := range row[1:] {
		if v > maxV {
			maxV = v
		}
	}
	var sum float64
	for i, v := range row {
		row[i] = math.Exp(v - maxV)
		sum += row[i]
	}
	if sum > 0 {
		for i := range row {
			row[i] /= sum
		}
	}
}

// softmaxBackwardRow converts upstream gradients on probabilities into
// gradients on logits: ds = a*(da - sum(da*a)).
func softmaxBackwardRow(a, da, ds []float64) {
	var dot float64
	for i := range a {
		dot += da[i] * a[i]
	}
	for i := range a {
		ds[i] = a[i] * (da[i] - dot)
	}
}

// param is one named weight tensor with its gradient accumulator.
type param struct {
	name string
	data []float64
	grad []float64
}

func newParam(name string, size int) *param {
	return &param{name: name, data: make([]float64, size), grad: make([]float64, size)}
}

// xavierInit fills the tensor with fan-aware uniform values.
func (p *param) xavierInit(rng *rand.Rand, fanIn, fanOut int) {
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	for i := range p.data {
		p.data[i] = (rng.Float64()*2 - 1) * limit
	}
}

func (p *param) fill(v float64) {
	for i := range p.data {
		p.data[i] = v
	}
}

// linear is a dense layer with weight [in][out] in row-major order.
type linear struct {
	w, b    *param
	in, out int
}

func newLinear(name string, in, out int, rng *rand.Rand) *linear {
	l := &linear{
		w:   newParam(name+".weight", in*out),
		b:   newParam(name+".bias", out),
		in:  in,
		out: out,
	}
	l.w.xavierInit(rng, in, out)
	return l
}

// forward computes y = x*W + b for x shaped [rows][in].
func (l *linear) forward(x []float64, rows int) []float64 {
	y := make([]float64, rows*l.out)
	for r := 0; r < rows; r++ {
		xr := x[r*l.in : (r+1)*l.in]
		yr := y[r*l.out : (r+1)*l.out]
		copy(yr, l.b.data)
		for i, xv := range xr {
			if xv == 0 {
				continue
			}
			wr := l.w.data[i*l.out : (i+1)*l.out]
			for o, wv := range wr {
				yr[o] += xv * wv
			}
		}
	}
	return y
}

// backward accumulates weight and bias gradients and returns dx.
func (l *linear) backward(x, dy []float64, rows int) []float64 {
	dx := make([]float64, rows*l.in)
	for r := 0; r < rows; r++ {
		xr := x[r*l.in : (r+1)*l.in]
		dyr := dy[r*l.out : (r+1)*l.out]
		dxr := dx[r*l.in : (r+1)*l.in]
		for o, g := range dyr {
			l.b.grad[o] += g
		}
		for i, xv := range xr {
			wr := l.w.data[i*l.out : (i+1)*l.out]
			gr := l.w.grad[i*l.out : (i+1)*l.out]
			var acc float64
			for o, g := range dyr {
				gr[o] += xv * g
				acc += g * wr[o]
			}
			dxr[i] = acc
		}
	}
	return dx
}

const layerNormEps = 1e-5

// layerNorm normalizes the last dimension with learned scale and shift.
type layerNorm struct {
	gamma, beta *param
	dim         int
}

func newLayerNorm(name string, dim int) *layerNorm {
	ln := &layerNorm{
		gamma: newParam(name+".weight", dim),
		beta:  newParam(name+".bias", dim),
		dim:   dim,
	}
	ln.gamma.fill(1)
	return ln
}

// forward returns the normalized output plus cached xhat and inverse stds
// needed by backward.
func (ln *layerNorm) forward(x []float64, rows int) (out, xhat, invStd []float64) {
	d := ln.dim
	out = make([]float64, rows*d)
	xhat = make([]float64, rows*d)
	invStd = make([]float64, rows)
	for r := 0; r < rows; r++ {
		xr := x[r*d : (r+1)*d]
		var mean float64
		for _, v := range xr {
			mean += v
		}
		mean /= float64(d)
		var varSum float64
		for _, v := range xr {
			dv := v - mean
			varSum += dv * dv
		}
		inv := 1 / math.Sqrt(varSum/float64(d)+layerNormEps)
		invStd[r] = inv
		for i, v := range xr {
			h := (v - mean) * inv
			xhat[r*d+i] = h
			out[r*d+i] = h*ln.gamma.data[i] + ln.beta.data[i]
		}
	}
	return out, xhat, invStd
}

// backward accumulates gamma/beta gradients and returns dx.
func (ln *layerNorm) backward(dy, xhat, invStd []float64, rows int) []float64 {
	d := ln.dim
	dx := make([]float64, rows*d)
	for r := 0; r < rows; r++ {
		dyr := dy[r*d : (r+1)*d]
		xr := xhat[r*d : (r+1)*d]
		var sumDh, sumDhX float64
		dh := make([]float64, d)
		for i, g := range dyr {
			ln.gamma.grad[i] += g * xr[i]
			ln.beta.grad[i] += g
			dh[i] = g * ln.gamma.data[i]
			sumDh += dh[i]
			sumDhX += dh[i] * xr[i]
		}
		n := float64(d)
		for i := range dyr {
			dx[r*d+i] = invStd[r] / n * (n*dh[i] - sumDh - xr[i]*sumDhX)
		}
	}
	return dx
}

// dropoutMask draws an inverted-scaling dropout mask: kept units carry
// 1/(1-p) so expectations match evaluation mode.
func dropoutMask(rng *rand.Rand, size int, p float64) []float64 {
	mask := make([]float64, size)
	scale := 1 / (1 - p)
	for i := range mask {
		if rng.Float64() >= p {
			mask[i] = scale
		}
	}
	return mask
}

func applyMask(x, mask []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = v * mask[i]
	}
	return out
}

func addInto(dst, src []float64) {
	for i, v := range src {
		dst[i] += v
	}
}
