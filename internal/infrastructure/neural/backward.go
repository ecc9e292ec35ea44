package neural

import "math"

// ForwardBackwardMSE runs a training-mode forward pass, computes the mean
// squared error against y and accumulates parameter gradients. The loss and
// gradients are over every output element of the batch.
func (m *PanelTransformer) ForwardBackwardMSE(x [][][]float64, entityIDs []int, y [][][]float64) float64 {
	cfg := m.config
	p := m.forward(x, entityIDs)

	target := make([]float64, len(p.out))
	for i, sample := range y {
		for t, row := range sample {
			copy(target[(i*cfg.Horizon+t)*cfg.NTargets:], row)
		}
	}

	n := float64(len(p.out))
	dOut := make([]float64, len(p.out))
	var loss float64
	for i, v := range p.out {
		diff := v - target[i]
		loss += diff * diff
		dOut[i] = 2 * diff / n
	}
	loss /= n

	m.backward(p, dOut)
	return loss
}

// backward propagates output gradients through the head, the encoder stack
// and the input embedding, accumulating into every parameter's grad buffer.
func (m *PanelTransformer) backward(p *pass, dOut []float64) {
	cfg := m.config
	b := p.batch
	l := cfg.Lookback
	d := cfg.DModel
	rows := b * l

	// Output head.
	dIn2 := m.headFC2.backward(p.headIn2, dOut, b)
	if p.headDrop != nil {
		dIn2 = applyMask(dIn2, p.headDrop)
	}
	dH := make([]float64, len(dIn2))
	for i, g := range dIn2 {
		dH[i] = g * geluGrad(p.headH[i])
	}
	dLast := m.headFC1.backward(p.last, dH, b)

	// Only the final lookback position feeds the head.
	dh := make([]float64, rows*d)
	for i := 0; i < b; i++ {
		copy(dh[(i*l+l-1)*d:(i*l+l)*d], dLast[i*d:(i+1)*d])
	}

	for li := len(m.layers) - 1; li >= 0; li-- {
		dh = m.layerBackward(m.layers[li], p.layers[li], dh, b)
	}

	if p.posDrop != nil {
		dh = applyMask(dh, p.posDrop)
	}

	// Entity embedding receives the gradient summed over all positions.
	for i := 0; i < b; i++ {
		gEmb := m.entityEmb.grad[p.entity[i]*d : (p.entity[i]+1)*d]
		for t := 0; t < l; t++ {
			row := dh[(i*l+t)*d : (i*l+t+1)*d]
			for j, g := range row {
				gEmb[j] += g
			}
		}
	}

	m.inputProj.backward(p.input, dh, rows)
}

// layerBackward propagates gradients through one encoder block and returns
// the gradient with respect to the block input.
func (m *PanelTransformer) layerBackward(layer *encoderLayer, lp *layerPass, dOut []float64, b int) []float64 {
	cfg := m.config
	rows := b * cfg.Lookback

	// norm2 and the feed-forward residual.
	dRes2 := layer.norm2.backward(dOut, lp.n2Xhat, lp.n2Inv, rows)
	dN1 := make([]float64, len(dRes2))
	copy(dN1, dRes2)

	dFfOut := dRes2
	if lp.drop2 != nil {
		dFfOut = applyMask(dRes2, lp.drop2)
	}
	dFfIn2 := layer.ff2.backward(lp.ffIn2, dFfOut, rows)
	if lp.ffDrop != nil {
		dFfIn2 = applyMask(dFfIn2, lp.ffDrop)
	}
	dFfH := make([]float64, len(dFfIn2))
	for i, g := range dFfIn2 {
		dFfH[i] = g * geluGrad(lp.ffH[i])
	}
	addInto(dN1, layer.ff1.backward(lp.n1Out, dFfH, rows))

	// norm1 and the attention residual.
	dRes1 := layer.norm1.backward(dN1, lp.n1Xhat, lp.n1Inv, rows)
	dIn := make([]float64, len(dRes1))
	copy(dIn, dRes1)

	dAttnOut := dRes1
	if lp.drop1 != nil {
		dAttnOut = applyMask(dRes1, lp.drop1)
	}
	dCtx := layer.wo.backward(lp.ctx, dAttnOut, rows)

	dQ, dK, dV := m.attentionBackward(lp, dCtx, b)
	addInto(dIn, layer.wq.backward(lp.in, dQ, rows))
	addInto(dIn, layer.wk.backward(lp.in, dK, rows))
	addInto(dIn, layer.wv.backward(lp.in, dV, rows))
	return dIn
}

// attentionBackward converts context gradients into query/key/value
// gradients through the softmax attention weights.
func (m *PanelTransformer) attentionBackward(lp *layerPass, dCtx []float64, b int) (dQ, dK, dV []float64) {
	cfg := m.config
	l := cfg.Lookback
	d := cfg.DModel
	heads := cfg.NumHeads
	dk := d / heads
	scale := 1 / math.Sqrt(float64(dk))

	dQ = make([]float64, b*l*d)
	dK = make([]float64, b*l*d)
	dV = make([]float64, b*l*d)

	dEffA := make([]float64, l)
	dA := make([]float64, l)
	dS := make([]float64, l)
	effRow := make([]float64, l)

	for bi := 0; bi < b; bi++ {
		for h := 0; h < heads; h++ {
			off := h * dk
			for i := 0; i < l; i++ {
				rowIdx := ((bi*heads+h)*l + i) * l
				aRow := lp.attn[rowIdx : rowIdx+l]
				copy(effRow, aRow)
				if lp.attnDrop != nil {
					for j := range effRow {
						effRow[j] *= lp.attnDrop[rowIdx+j]
					}
				}
				dctxRow := dCtx[(bi*l+i)*d+off : (bi*l+i)*d+off+dk]

				for j := 0; j < l; j++ {
					vj := lp.v[(bi*l+j)*d+off : (bi*l+j)*d+off+dk]
					dvj := dV[(bi*l+j)*d+off : (bi*l+j)*d+off+dk]
					var dot float64
					for c, g := range dctxRow {
						dot += g * vj[c]
						dvj[c] += effRow[j] * g
					}
					dEffA[j] = dot
				}

				copy(dA, dEffA)
				if lp.attnDrop != nil {
					for j := range dA {
						dA[j] *= lp.attnDrop[rowIdx+j]
					}
				}
				softmaxBackwardRow(aRow, dA, dS)

				qi := lp.q[(bi*l+i)*d+off : (bi*l+i)*d+off+dk]
				dqi := dQ[(bi*l+i)*d+off : (bi*l+i)*d+off+dk]
				for j := 0; j < l; j++ {
					g := dS[j] * scale
					if g == 0 {
						continue
					}
					kj := lp.k[(bi*l+j)*d+off : (bi*l+j)*d+off+dk]
					dkj := dK[(bi*l+j)*d+off : (bi*l+j)*d+off+dk]
					for c := range qi {
						dqi[c] += g * kj[c]
						dkj[c] += g * qi[c]
					}
				}
			}
		}
	}
	return dQ, dK, dV
}
