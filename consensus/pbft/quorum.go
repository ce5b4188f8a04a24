package pbft

// FaultTolerance returns f = floor((n-1)/3).
func FaultTolerance(n int) int {
	if n <= 0 {
		return 0
	}
	return (n - 1) / 3
}

// QuorumSize returns the number of matching votes needed to decide:
// floor((n+f)/2)+1. It is 2f+1 for n = 3f+1. Larger rosters use the smallest
// size for which any two quorums share at least f+1 replicas.
func QuorumSize(n int) int {
	if n <= 0 {
		return 1
	}
	f := FaultTolerance(n)
	return (n+f)/2 + 1
}

// WeakQuorumSize returns f+1, the smallest set containing an honest replica.
func WeakQuorumSize(n int) int {
	return FaultTolerance(n) + 1
}

// HasQuorum reports whether count reaches QuorumSize(n).
func HasQuorum(count, n int) bool {
	return count >= QuorumSize(n)
}

// HasWeakQuorum reports whether count reaches WeakQuorumSize(n).
func HasWeakQuorum(count, n int) bool {
	return count >= WeakQuorumSize(n)
}
