package neural

import (
	"math"
	"math/rand"

	"github.com/blackms/policyflow-go/internal/shared"
)

// PanelTransformer maps a lookback window of feature vectors plus an entity
// identity to a multi-step forecast.
//
// Architecture: linear input projection, learned entity embedding added
// across all lookback positions, sinusoidal positional encoding, stacked
// blocks of multi-head self-attention and GELU feed-forward (each with
// residual connection and layer normalization), and a two-layer head mapping
// the final position to [horizon][nTargets]. With dropout disabled
// (evaluation mode) the forward pass is fully deterministic.
type PanelTransformer struct {
	config shared.ModelConfig

	inputProj *linear
	entityEmb *param
	posEnc    []float64 // [maxLen][dModel], constant
	layers    []*encoderLayer
	headFC1   *linear
	headFC2   *linear

	params   []*param
	dropout  float64
	training bool
	rng      *rand.Rand
}

// encoderLayer is one transformer block.
type encoderLayer struct {
	wq, wk, wv, wo *linear
	norm1, norm2   *layerNorm
	ff1, ff2       *linear
}

// NewPanelTransformer builds a predictor with fan-aware uniform weight
// initialization driven by the given seed.
func NewPanelTransformer(config shared.ModelConfig, seed int64) *PanelTransformer {
	rng := rand.New(rand.NewSource(seed))
	m := &PanelTransformer{
		config:  config,
		dropout: 0.1,
		rng:     rng,
	}

	d := config.DModel
	m.inputProj = newLinear("input_projection", config.NFeatures, d, rng)
	m.entityEmb = newParam("entity_embedding.weight", config.NEntities*d)
	m.entityEmb.xavierInit(rng, config.NEntities, d)
	m.posEnc = sinusoidalEncoding(config.Lookback+config.Horizon, d)

	for l := 0; l < config.NumLayers; l++ {
		prefix := "layers." + itoa(l)
		layer := &encoderLayer{
			wq:    newLinear(prefix+".self_attn.w_q", d, d, rng),
			wk:    newLinear(prefix+".self_attn.w_k", d, d, rng),
			wv:    newLinear(prefix+".self_attn.w_v", d, d, rng),
			wo:    newLinear(prefix+".self_attn.w_o", d, d, rng),
			norm1: newLayerNorm(prefix+".norm1", d),
			norm2: newLayerNorm(prefix+".norm2", d),
			ff1:   newLinear(prefix+".feed_forward.linear1", d, config.DFf, rng),
			ff2:   newLinear(prefix+".feed_forward.linear2", config.DFf, d, rng),
		}
		m.layers = append(m.layers, layer)
	}

	half := d / 2
	m.headFC1 = newLinear("output_projection.0", d, half, rng)
	m.headFC2 = newLinear("output_projection.3", half, config.NTargets*config.Horizon, rng)

	m.collectParams()
	return m
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func (m *PanelTransformer) collectParams() {
	add := func(l *linear) {
		m.params = append(m.params, l.w, l.b)
	}
	add(m.inputProj)
	m.params = append(m.params, m.entityEmb)
	for _, layer := range m.layers {
		add(layer.wq)
		add(layer.wk)
		add(layer.wv)
		add(layer.wo)
		m.params = append(m.params, layer.norm1.gamma, layer.norm1.beta)
		add(layer.ff1)
		add(layer.ff2)
		m.params = append(m.params, layer.norm2.gamma, layer.norm2.beta)
	}
	add(m.headFC1)
	add(m.headFC2)
}

// sinusoidalEncoding builds the additive positional encoding table.
func sinusoidalEncoding(maxLen, d int) []float64 {
	pe := make([]float64, maxLen*d)
	for pos := 0; pos < maxLen; pos++ {
		for i := 0; i < d; i += 2 {
			div := math.Exp(float64(i) * (-math.Log(10000.0) / float64(d)))
			pe[pos*d+i] = math.Sin(float64(pos) * div)
			if i+1 < d {
				pe[pos*d+i+1] = math.Cos(float64(pos) * div)
			}
		}
	}
	return pe
}

// Config returns the immutable architecture descriptor.
func (m *PanelTransformer) Config() shared.ModelConfig {
	return m.config
}

// SetTraining toggles stochastic regularization. Evaluation mode disables
// dropout entirely.
func (m *PanelTransformer) SetTraining(on bool) {
	m.training = on
}

// SetDropout sets the dropout probability used in training mode.
func (m *PanelTransformer) SetDropout(p float64) {
	m.dropout = p
}

// Parameter is an externally visible view of one weight tensor. Data and
// Grad alias the model's storage.
type Parameter struct {
	Name string
	Data []float64
	Grad []float64
}

// Parameters exposes all weight tensors for the optimizer.
func (m *PanelTransformer) Parameters() []Parameter {
	out := make([]Parameter, len(m.params))
	for i, p := range m.params {
		out[i] = Parameter{Name: p.name, Data: p.data, Grad: p.grad}
	}
	return out
}

// ZeroGrad clears all gradient accumulators.
func (m *PanelTransformer) ZeroGrad() {
	for _, p := range m.params {
		for i := range p.grad {
			p.grad[i] = 0
		}
	}
}

// Snapshot deep-copies the current weights.
func (m *PanelTransformer) Snapshot() map[string][]float64 {
	out := make(map[string][]float64, len(m.params))
	for _, p := range m.params {
		cp := make([]float64, len(p.data))
		copy(cp, p.data)
		out[p.name] = cp
	}
	return out
}

// Restore loads weights produced by Snapshot. Unknown names are ignored;
// size mismatches leave the parameter untouched.
func (m *PanelTransformer) Restore(weights map[string][]float64) {
	for _, p := range m.params {
		if src, ok := weights[p.name]; ok && len(src) == len(p.data) {
			copy(p.data, src)
		}
	}
}

// layerPass caches one encoder block's intermediates for backpropagation.
type layerPass struct {
	in       []float64 // [B*L*D] block input
	q, k, v  []float64
	attn     []float64 // [B*H*L*L] softmax probabilities
	attnDrop []float64 // dropout mask on attn, nil in eval mode
	ctx      []float64 // [B*L*D] concatenated head outputs
	attnOut  []float64 // after W_o
	drop1    []float64
	res1     []float64 // pre-norm1 sum
	n1Xhat   []float64
	n1Inv    []float64
	n1Out    []float64
	ffH      []float64 // [B*L*Dff] pre-GELU
	ffG      []float64 // post-GELU (before inner dropout)
	ffDrop   []float64
	ffIn2    []float64 // input to ff2
	ffOut    []float64
	drop2    []float64
	res2     []float64
	n2Out    []float64
	n2Xhat   []float64
	n2Inv    []float64
}

// pass caches one full forward evaluation.
type pass struct {
	batch    int
	input    []float64 // [B*L*F]
	entity   []int
	posDrop  []float64
	embedded []float64 // [B*L*D] after projection+embedding+position (and dropout)
	layers   []*layerPass
	last     []float64 // [B*D]
	headH    []float64 // [B*half] pre-GELU
	headG    []float64 // post-GELU
	headDrop []float64
	headIn2  []float64
	out      []float64 // [B*Horizon*NTargets]
}

// forward runs the full model, caching intermediates when train is set.
func (m *PanelTransformer) forward(x [][][]float64, entityIDs []int) *pass {
	cfg := m.config
	b := len(x)
	l := cfg.Lookback
	d := cfg.DModel
	rows := b * l

	p := &pass{batch: b, entity: entityIDs}
	p.input = make([]float64, rows*cfg.NFeatures)
	for i, sample := range x {
		for t, row := range sample {
			copy(p.input[(i*l+t)*cfg.NFeatures:], row)
		}
	}

	// Projection, entity embedding broadcast over time, positional encoding.
	h := m.inputProj.forward(p.input, rows)
	for i := 0; i < b; i++ {
		emb := m.entityEmb.data[entityIDs[i]*d : (entityIDs[i]+1)*d]
		for t := 0; t < l; t++ {
			row := h[(i*l+t)*d : (i*l+t+1)*d]
			pe := m.posEnc[t*d : (t+1)*d]
			for j := range row {
				row[j] += emb[j] + pe[j]
			}
		}
	}
	if m.dropActive() {
		p.posDrop = dropoutMask(m.rng, len(h), m.dropout)
		h = applyMask(h, p.posDrop)
	}
	p.embedded = h

	for _, layer := range m.layers {
		lp := m.layerForward(layer, h, b)
		p.layers = append(p.layers, lp)
		h = lp.n2Out
	}

	// Final lookback position only.
	p.last = make([]float64, b*d)
	for i := 0; i < b; i++ {
		copy(p.last[i*d:(i+1)*d], h[(i*l+l-1)*d:(i*l+l)*d])
	}

	p.headH = m.headFC1.forward(p.last, b)
	p.headG = make([]float64, len(p.headH))
	for i, v := range p.headH {
		p.headG[i] = gelu(v)
	}
	p.headIn2 = p.headG
	if m.dropActive() {
		p.headDrop = dropoutMask(m.rng, len(p.headG), m.dropout)
		p.headIn2 = applyMask(p.headG, p.headDrop)
	}
	p.out = m.headFC2.forward(p.headIn2, b)
	return p
}

func (m *PanelTransformer) dropActive() bool {
	return m.training && m.dropout > 0
}

// layerForward runs one encoder block over [B*L*D] activations.
func (m *PanelTransformer) layerForward(layer *encoderLayer, h []float64, b int) *layerPass {
	cfg := m.config
	l := cfg.Lookback
	d := cfg.DModel
	rows := b * l

	lp := &layerPass{in: h}
	lp.q = layer.wq.forward(h, rows)
	lp.k = layer.wk.forward(h, rows)
	lp.v = layer.wv.forward(h, rows)

	lp.attn, lp.ctx = m.attention(lp.q, lp.k, lp.v, b)
	if m.dropActive() {
		lp.attnDrop = dropoutMask(m.rng, len(lp.attn), m.dropout)
		masked := applyMask(lp.attn, lp.attnDrop)
		_, lp.ctx = m.applyAttention(masked, lp.v, b)
	}

	lp.attnOut = layer.wo.forward(lp.ctx, rows)

	attnRes := lp.attnOut
	if m.dropActive() {
		lp.drop1 = dropoutMask(m.rng, len(attnRes), m.dropout)
		attnRes = applyMask(attnRes, lp.drop1)
	}
	lp.res1 = make([]float64, rows*d)
	copy(lp.res1, h)
	addInto(lp.res1, attnRes)
	lp.n1Out, lp.n1Xhat, lp.n1Inv = layer.norm1.forward(lp.res1, rows)

	lp.ffH = layer.ff1.forward(lp.n1Out, rows)
	lp.ffG = make([]float64, len(lp.ffH))
	for i, v := range lp.ffH {
		lp.ffG[i] = gelu(v)
	}
	lp.ffIn2 = lp.ffG
	if m.dropActive() {
		lp.ffDrop = dropoutMask(m.rng, len(lp.ffG), m.dropout)
		lp.ffIn2 = applyMask(lp.ffG, lp.ffDrop)
	}
	lp.ffOut = layer.ff2.forward(lp.ffIn2, rows)

	ffRes := lp.ffOut
	if m.dropActive() {
		lp.drop2 = dropoutMask(m.rng, len(ffRes), m.dropout)
		ffRes = applyMask(ffRes, lp.drop2)
	}
	lp.res2 = make([]float64, rows*d)
	copy(lp.res2, lp.n1Out)
	addInto(lp.res2, ffRes)
	lp.n2Out, lp.n2Xhat, lp.n2Inv = layer.norm2.forward(lp.res2, rows)
	return lp
}

// attention computes scaled-dot-product attention probabilities and the
// context vectors for every head.
func (m *PanelTransformer) attention(q, k, v []float64, b int) (attn, ctx []float64) {
	cfg := m.config
	l := cfg.Lookback
	d := cfg.DModel
	heads := cfg.NumHeads
	dk := d / heads
	scale := 1 / math.Sqrt(float64(dk))

	attn = make([]float64, b*heads*l*l)
	for bi := 0; bi < b; bi++ {
		for h := 0; h < heads; h++ {
			off := h * dk
			for i := 0; i < l; i++ {
				row := attn[((bi*heads+h)*l+i)*l : ((bi*heads+h)*l+i+1)*l]
				qi := q[(bi*l+i)*d+off : (bi*l+i)*d+off+dk]
				for j := 0; j < l; j++ {
					kj := k[(bi*l+j)*d+off : (bi*l+j)*d+off+dk]
					var s float64
					for c := range qi {
						s += qi[c] * kj[c]
					}
					row[j] = s * scale
				}
				softmaxRow(row)
			}
		}
	}
	_, ctx = m.applyAttention(attn, v, b)
	return attn, ctx
}

// applyAttention multiplies attention probabilities by the value vectors.
func (m *PanelTransformer) applyAttention(attn, v []float64, b int) ([]float64, []float64) {
	cfg := m.config
	l := cfg.Lookback
	d := cfg.DModel
	heads := cfg.NumHeads
	dk := d / heads

	ctx := make([]float64, b*l*d)
	for bi := 0; bi < b; bi++ {
		for h := 0; h < heads; h++ {
			off := h * dk
			for i := 0; i < l; i++ {
				row := attn[((bi*heads+h)*l+i)*l : ((bi*heads+h)*l+i+1)*l]
				out := ctx[(bi*l+i)*d+off : (bi*l+i)*d+off+dk]
				for j, a := range row {
					if a == 0 {
						continue
					}
					vj := v[(bi*l+j)*d+off : (bi*l+j)*d+off+dk]
					for c := range out {
						out[c] += a * vj[c]
					}
				}
			}
		}
	}
	return attn, ctx
}

// Forward runs the predictor in its current mode and returns predictions
// shaped [batch][horizon][nTargets].
func (m *PanelTransformer) Forward(x [][][]float64, entityIDs []int) [][][]float64 {
	p := m.forward(x, entityIDs)
	return m.reshapeOutput(p.out, p.batch)
}

// ForwardAttention additionally returns per-layer attention probabilities
// shaped [layer][batch][head][lookback][lookback].
func (m *PanelTransformer) ForwardAttention(x [][][]float64, entityIDs []int) ([][][]float64, [][][][][]float64) {
	p := m.forward(x, entityIDs)
	cfg := m.config
	l := cfg.Lookback
	heads := cfg.NumHeads

	attn := make([][][][][]float64, len(p.layers))
	for li, lp := range p.layers {
		attn[li] = make([][][][]float64, p.batch)
		for bi := 0; bi < p.batch; bi++ {
			attn[li][bi] = make([][][]float64, heads)
			for h := 0; h < heads; h++ {
				attn[li][bi][h] = make([][]float64, l)
				for i := 0; i < l; i++ {
					row := make([]float64, l)
					copy(row, lp.attn[((bi*heads+h)*l+i)*l:((bi*heads+h)*l+i+1)*l])
					attn[li][bi][h][i] = row
				}
			}
		}
	}
	return m.reshapeOutput(p.out, p.batch), attn
}

func (m *PanelTransformer) reshapeOutput(out []float64, b int) [][][]float64 {
	cfg := m.config
	preds := make([][][]float64, b)
	for i := 0; i < b; i++ {
		preds[i] = make([][]float64, cfg.Horizon)
		for t := 0; t < cfg.Horizon; t++ {
			row := make([]float64, cfg.NTargets)
			copy(row, out[(i*cfg.Horizon+t)*cfg.NTargets:(i*cfg.Horizon+t+1)*cfg.NTargets])
			preds[i][t] = row
		}
	}
	return preds
}
