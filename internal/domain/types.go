// Package domain contains the core types shared across BitHedge modules.
// The domain layer is pure: no database, HTTP, or chain dependencies.
package domain

// Tier is the risk segment a provider commits capital to. It governs which
// policies the capital may back.
type Tier string

const (
	TierConservative Tier = "conservative"
	TierBalanced     Tier = "balanced"
	TierAggressive   Tier = "aggressive"
)

// Valid reports whether the tier is one of the recognized segments.
func (t Tier) Valid() bool {
	switch t {
	case TierConservative, TierBalanced, TierAggressive:
		return true
	}
	return false
}

// Token identifies a collateral or settlement token.
type Token string

const (
	TokenSTX  Token = "STX"
	TokenSBTC Token = "sBTC"
)

// Valid reports whether the token is supported.
func (t Token) Valid() bool {
	return t == TokenSTX || t == TokenSBTC
}

// PolicyType is the option type of a protection policy. The MVP supports
// PUT only; CALL is reserved.
type PolicyType string

const (
	PolicyTypePUT  PolicyType = "PUT"
	PolicyTypeCALL PolicyType = "CALL"
)

// PolicyStatus is the lifecycle state of a policy. Transitions are monotone:
//
//	PendingTx -> Active -> Exercised -> Settled
//	PendingTx -> Failed
//	Active    -> Expired
type PolicyStatus string

const (
	PolicyPendingTx PolicyStatus = "PendingTx"
	PolicyActive    PolicyStatus = "Active"
	PolicyExercised PolicyStatus = "Exercised"
	PolicyExpired   PolicyStatus = "Expired"
	PolicySettled   PolicyStatus = "Settled"
	PolicyFailed    PolicyStatus = "Failed"
)

// CanTransitionTo reports whether moving from s to next is a legal policy
// state transition.
func (s PolicyStatus) CanTransitionTo(next PolicyStatus) bool {
	switch s {
	case PolicyPendingTx:
		return next == PolicyActive || next == PolicyFailed
	case PolicyActive:
		return next == PolicyExercised || next == PolicyExpired
	case PolicyExercised:
		return next == PolicySettled
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s PolicyStatus) Terminal() bool {
	return s == PolicyExpired || s == PolicySettled || s == PolicyFailed
}

// AllocationStatus is the lifecycle state of a provider allocation.
type AllocationStatus string

const (
	AllocationPending            AllocationStatus = "Pending"
	AllocationConfirmed          AllocationStatus = "Confirmed"
	AllocationReleased           AllocationStatus = "Released"
	AllocationSettlementImpacted AllocationStatus = "SettlementImpacted"
)

// DistributionStatus is the lifecycle state of a premium distribution.
type DistributionStatus string

const (
	DistributionPlanned  DistributionStatus = "Planned"
	DistributionRecorded DistributionStatus = "Recorded"
	DistributionPaid     DistributionStatus = "Paid"
)

// TxStatus is the lifecycle state of an outbound chain transaction.
// The status forms a monotone lattice:
//
//	Pending < Submitted < {Confirmed | Failed | Replaced | Expired}
type TxStatus string

const (
	TxPending   TxStatus = "Pending"
	TxSubmitted TxStatus = "Submitted"
	TxConfirmed TxStatus = "Confirmed"
	TxFailed    TxStatus = "Failed"
	TxReplaced  TxStatus = "Replaced"
	TxExpired   TxStatus = "Expired"
)

// rank orders transaction statuses along the lattice. Terminal statuses share
// the highest rank so no terminal status can overwrite another.
func (s TxStatus) rank() int {
	switch s {
	case TxPending:
		return 0
	case TxSubmitted:
		return 1
	case TxConfirmed, TxFailed, TxReplaced, TxExpired:
		return 2
	}
	return -1
}

// CanAdvanceTo reports whether moving from s to next respects the lattice.
func (s TxStatus) CanAdvanceTo(next TxStatus) bool {
	if s == next {
		return false
	}
	return next.rank() > s.rank()
}

// Terminal reports whether the transaction status is final.
func (s TxStatus) Terminal() bool {
	return s.rank() == 2
}
