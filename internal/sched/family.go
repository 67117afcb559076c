package sched

// Family groups repeating events so they can be cancelled together.
//
// Events scheduled through ScheduleFamily remember the family generation at
// scheduling time. Invalidate bumps the generation, so every event scheduled
// before the call is skipped when it comes due.
type Family struct {
	name string
	gen  uint64
}

// NewFamily creates a family. The name is used in logs only.
func NewFamily(name string) *Family {
	return &Family{name: name}
}

// Name returns the family name.
func (f *Family) Name() string {
	return f.name
}

// Generation returns the current generation.
func (f *Family) Generation() uint64 {
	return f.gen
}

// Invalidate cancels every pending event of the family.
func (f *Family) Invalidate() {
	f.gen++
}
