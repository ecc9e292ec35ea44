package neural

import (
	"github.com/blackms/policyflow-go/internal/shared"

	"github.com/google/uuid"
)

// State packages the current weights into a persistable ModelState.
func (m *PanelTransformer) State(dataParams shared.NormalizationParameters) *shared.ModelState {
	return &shared.ModelState{
		ModelID:    uuid.NewString(),
		Weights:    m.Snapshot(),
		Config:     m.config,
		DataParams: dataParams,
	}
}

// FromState reconstructs a predictor from a serialized ModelState. Every
// parameter named by the architecture must be present with the right size.
func FromState(state *shared.ModelState) (*PanelTransformer, error) {
	cfg := state.Config
	if cfg.NFeatures <= 0 || cfg.NTargets <= 0 || cfg.NEntities <= 0 {
		return nil, shared.NewInputError("model state has an invalid config")
	}
	if cfg.DModel <= 0 || cfg.NumHeads <= 0 || cfg.DModel%cfg.NumHeads != 0 {
		return nil, shared.NewInputError(
			"model width %d is not divisible by %d heads", cfg.DModel, cfg.NumHeads)
	}

	m := NewPanelTransformer(cfg, 0)
	for _, p := range m.params {
		src, ok := state.Weights[p.name]
		if !ok {
			return nil, shared.NewInputError("model state is missing weights for %q", p.name)
		}
		if len(src) != len(p.data) {
			return nil, shared.NewInputError(
				"weights for %q have %d values, expected %d", p.name, len(src), len(p.data))
		}
		copy(p.data, src)
	}
	m.SetTraining(false)
	return m, nil
}
