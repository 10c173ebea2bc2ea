// Package quorum implements the consensus calculation for change requests:
// a pure function over a request's frozen required-approver set and the
// votes recorded so far. Tolerance follows the Byzantine bound
// f = floor((n-1)/3) with minApprove = n - f.
package quorum

import (
	mapset "github.com/deckarep/golang-set/v2"
)

// Decision is a single voter's verdict on a change request.
type Decision string

const (
	DecisionApproved Decision = "APPROVED"
	DecisionRejected Decision = "REJECTED"
	DecisionAbstain  Decision = "ABSTAIN"
)

// Valid reports whether d is one of the three recognized verdicts.
func (d Decision) Valid() bool {
	switch d {
	case DecisionApproved, DecisionRejected, DecisionAbstain:
		return true
	}
	return false
}

// Status is the consensus outcome over the recorded votes.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
)

// Vote is the minimal ledger row the calculation needs.
type Vote struct {
	VoterID  string
	Decision Decision
}

// Threshold returns the dissent budget f and the minimum approval count
// for a required-approver set of size n. For the configured tiers
// (n = 1, 2, 3) f is 0, i.e. unanimity; the formula is kept general for
// larger boards.
func Threshold(n int) (f, minApprove int) {
	if n <= 0 {
		return 0, 0
	}
	f = (n - 1) / 3
	return f, n - f
}

// Outcome reports an evaluation of a request's ledger.
type Outcome struct {
	Status      Status
	Approvals   int // approvals from the required set
	Rejections  int // rejections from the required set
	Abstentions int // abstentions from the required set
	Required    int // approvals needed for consensus (minApprove)
	DissentCap  int // rejections tolerated before terminal rejection (f)
	BoardSize   int // size of the required-approver set (n)
}

// Ballots is the number of votes received from the required set.
func (o Outcome) Ballots() int {
	return o.Approvals + o.Rejections + o.Abstentions
}

// Evaluate computes the consensus outcome. It is deterministic and free of
// side effects, so crash recovery is a plain re-run over the ledger. Votes
// from identities outside the required set are ignored here; they stay in
// the ledger for audit. If the same voter somehow appears twice, only the
// first vote counts (the ledger's unique index makes that unreachable in
// practice).
func Evaluate(requiredApprovers []string, votes []Vote) Outcome {
	required := mapset.NewThreadUnsafeSet(requiredApprovers...)
	n := required.Cardinality()
	f, minApprove := Threshold(n)

	out := Outcome{
		Status:     StatusPending,
		Required:   minApprove,
		DissentCap: f,
		BoardSize:  n,
	}

	counted := mapset.NewThreadUnsafeSet[string]()
	for _, v := range votes {
		if !required.Contains(v.VoterID) {
			continue
		}
		if !counted.Add(v.VoterID) {
			continue
		}
		switch v.Decision {
		case DecisionApproved:
			out.Approvals++
		case DecisionRejected:
			out.Rejections++
		case DecisionAbstain:
			out.Abstentions++
		}
	}

	switch {
	case n > 0 && out.Approvals >= minApprove:
		out.Status = StatusApproved
	case out.Rejections > f:
		out.Status = StatusRejected
	}
	return out
}
