package risk

import "fmt"

type Decision int

const (
	DecisionApproved Decision = iota
	DecisionRejected
	DecisionReduced
)

func (d Decision) String() string {
	switch d {
	case DecisionApproved:
		return "approved"
	case DecisionRejected:
		return "rejected"
	case DecisionReduced:
		return "reduced"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// CheckResult is the outcome of a risk check. Callers must branch on Decision;
// Reason is set for rejections and Quantity for reductions.
type CheckResult struct {
	Decision Decision
	Reason   string
	Quantity float64
}

func Approved() CheckResult {
	return CheckResult{Decision: DecisionApproved}
}

func Rejected(reason string) CheckResult {
	return CheckResult{Decision: DecisionRejected, Reason: reason}
}

func Reduced(quantity float64) CheckResult {
	return CheckResult{Decision: DecisionReduced, Quantity: quantity}
}

func (r CheckResult) IsApproved() bool { return r.Decision == DecisionApproved }
func (r CheckResult) IsRejected() bool { return r.Decision == DecisionRejected }
func (r CheckResult) IsReduced() bool  { return r.Decision == DecisionReduced }

func (r CheckResult) String() string {
	switch r.Decision {
	case DecisionRejected:
		return "rejected: " + r.Reason
	case DecisionReduced:
		return fmt.Sprintf("reduced: %v", r.Quantity)
	}
	return r.Decision.String()
}
