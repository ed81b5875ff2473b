package compute

// sampledOperator adds an approximate path on top of the exact join. A
// fixed-rate Bernoulli sample of each side feeds per-key counters; the
// estimate scales the sampled match count back up by the squared sampling
// rate. MeanAQP reports the raw estimate; LinearSVI and AI blend it with
// the running exact count to damp variance.
type sampledOperator struct {
	hashJoinOperator

	sampleEvery int
	sSeen       int
	rSeen       int
	sSampled    map[int64]int
	rSampled    map[int64]int
}

func newSampledOperator(typ OperatorType) *sampledOperator {
	return &sampledOperator{
		hashJoinOperator: hashJoinOperator{typ: typ},
		sampleEvery:      4,
	}
}

func (op *sampledOperator) Start() error {
	if err := op.hashJoinOperator.Start(); err != nil {
		return err
	}
	op.sSeen = 0
	op.rSeen = 0
	op.sSampled = make(map[int64]int)
	op.rSampled = make(map[int64]int)
	return nil
}

func (op *sampledOperator) FeedS(t Tuple) {
	op.hashJoinOperator.FeedS(t)
	op.sSeen++
	if op.sampleHit(op.sSeen, 0) {
		op.sSampled[t.Key]++
	}
}

func (op *sampledOperator) FeedR(t Tuple) {
	op.hashJoinOperator.FeedR(t)
	op.rSeen++
	if op.sampleHit(op.rSeen, 1) {
		op.rSampled[t.Key]++
	}
}

// sampleHit draws the Bernoulli inclusion of the n-th tuple of one side
// with probability 1/sampleEvery. A splitmix64 hash of (side, n) stands in
// for a random draw, so a window's estimate is reproducible and does not
// alias with periodic key patterns.
func (op *sampledOperator) sampleHit(n int, side uint64) bool {
	z := uint64(n) ^ side<<32 + 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	z ^= z >> 31
	return z%uint64(op.sampleEvery) == 0
}

func (op *sampledOperator) AQPCount() float64 {
	var sampledMatches float64
	for key, sCount := range op.sSampled {
		if rCount, ok := op.rSampled[key]; ok {
			sampledMatches += float64(sCount) * float64(rCount)
		}
	}
	scale := float64(op.sampleEvery) * float64(op.sampleEvery)
	estimate := sampledMatches * scale

	switch op.typ {
	case OpLinearSVI, OpAI:
		// Blend toward the incremental exact count to damp the variance
		// of small samples
		exact := float64(op.hashJoinOperator.count)
		return 0.5*estimate + 0.5*exact
	default:
		return estimate
	}
}

// compensatingOperator handles out-of-order streams: tuples beyond the
// delay bound are dropped from the exact join but counted, and the
// approximate answer scales the exact count up by the observed late
// fraction. IMA compensates unless disabled; MSWJ compensates only when
// enabled.
type compensatingOperator struct {
	hashJoinOperator
}

func newCompensatingOperator(typ OperatorType) *compensatingOperator {
	return &compensatingOperator{hashJoinOperator: hashJoinOperator{typ: typ}}
}

func (op *compensatingOperator) compensationEnabled() bool {
	switch op.typ {
	case OpIMA:
		return !op.cfg.IMADisableCompensation
	case OpMSWJ:
		return op.cfg.MSWJCompensation
	default:
		return false
	}
}

func (op *compensatingOperator) AQPCount() float64 {
	exact := float64(op.ExactCount())
	if !op.compensationEnabled() {
		return exact
	}

	fed := len(op.sTuples) + len(op.rTuples)
	total := fed + op.lateCount
	if total == 0 {
		return exact
	}
	lateFraction := float64(op.lateCount) / float64(total)
	return exact * (1 + lateFraction)
}
