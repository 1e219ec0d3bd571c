package coordination

// DuplicatePolicy decides what happens when Claim or Collect is called for a
// key that already has a pending attempt on the same coordinator.
type DuplicatePolicy int

const (
	// Overwrite replaces the pending bookkeeping. The displaced attempt is
	// resolved with ErrSuperseded.
	Overwrite DuplicatePolicy = iota
	// Reject resolves the new call with ErrInProgress and leaves the pending attempt alone.
	Reject
)

func (p DuplicatePolicy) String() string {
	switch p {
	case Overwrite:
		return "overwrite"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// ParseDuplicatePolicy maps "overwrite" and "reject" to a policy. Anything
// else yields Overwrite.
func ParseDuplicatePolicy(s string) DuplicatePolicy {
	if s == "reject" {
		return Reject
	}
	return Overwrite
}
