package training

import "math"

// scheduler adjusts the learning rate after each epoch.
type scheduler interface {
	// step receives the current rate and validation loss and returns the
	// rate for the next epoch.
	step(lr, valLoss float64) float64
}

// plateauScheduler halves the learning rate after a fixed number of epochs
// without validation improvement.
type plateauScheduler struct {
	best     float64
	stagnant int
	factor   float64
	patience int
}

func newPlateauScheduler(baseLR float64) *plateauScheduler {
	return &plateauScheduler{
		best:     math.Inf(1),
		factor:   0.5,
		patience: 5,
	}
}

func (s *plateauScheduler) step(lr, valLoss float64) float64 {
	if valLoss < s.best {
		s.best = valLoss
		s.stagnant = 0
		return lr
	}
	s.stagnant++
	if s.stagnant > s.patience {
		s.stagnant = 0
		return lr * s.factor
	}
	return lr
}

// cosineScheduler is cosine annealing with warm restarts: the rate follows
// a half-cosine from the base rate to zero over a cycle, and each restart
// doubles the cycle length.
type cosineScheduler struct {
	baseLR  float64
	cycle   int
	current int
}

func newCosineScheduler(baseLR float64) *cosineScheduler {
	return &cosineScheduler{baseLR: baseLR, cycle: 10}
}

func (s *cosineScheduler) step(lr, valLoss float64) float64 {
	s.current++
	if s.current >= s.cycle {
		s.current = 0
		s.cycle *= 2
	}
	return s.baseLR / 2 * (1 + math.Cos(math.Pi*float64(s.current)/float64(s.cycle)))
}
