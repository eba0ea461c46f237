package marker

// ProgressStep is the minimum advance, in percentage points, between two
// emitted progress events.
const ProgressStep = 10

type Progress struct {
	Percent int
}

// progressSampler turns the compiler's fine-grained progress into a sparse
// event stream. Sends never block; a slow reader just misses events, and
// the persisted project status stays authoritative.
type progressSampler struct {
	ch   chan<- Progress
	last int
}

func newProgressSampler(ch chan<- Progress) *progressSampler {
	return &progressSampler{ch: ch}
}

func (s *progressSampler) report(fraction float64) {
	pct := int(fraction * 100)
	if pct > 100 {
		pct = 100
	}
	if pct <= s.last {
		return
	}
	if pct-s.last < ProgressStep && pct != 100 {
		return
	}
	s.last = pct
	if s.ch == nil {
		return
	}
	select {
	case s.ch <- Progress{Percent: pct}:
	default:
	}
}
