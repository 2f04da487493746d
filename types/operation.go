package types

// ActionType names the kind of L1 transaction an aggregated operation
// carries.
type ActionType string

const (
	// ActionCommit publishes a proved block's state transition to L1.
	ActionCommit ActionType = "commit"
	// ActionVerify submits the validity proof for a committed block.
	ActionVerify ActionType = "verify"
	// ActionWithdraw completes the pending withdrawals of a verified block.
	ActionWithdraw ActionType = "withdraw"
)

func (a ActionType) Valid() bool {
	switch a {
	case ActionCommit, ActionVerify, ActionWithdraw:
		return true
	}
	return false
}
