package domain

// Operation is a vault entry point that mutates the shared position.
type Operation int

const (
	OperationDeposit Operation = iota
	OperationWithdraw
	OperationRebalance
	OperationDelever
	OperationEmergencyWithdraw
	OperationUpdateParams
	OperationUnpause
)

// operation string constants to avoid magic strings
const (
	operationStringDeposit           = "deposit"
	operationStringWithdraw          = "withdraw"
	operationStringRebalance         = "rebalance"
	operationStringDelever           = "delever"
	operationStringEmergencyWithdraw = "emergency_withdraw"
	operationStringUpdateParams      = "update_params"
	operationStringUnpause           = "unpause"
)

// String returns the string representation of the operation
func (o Operation) String() string {
	switch o {
	case OperationDeposit:
		return operationStringDeposit
	case OperationWithdraw:
		return operationStringWithdraw
	case OperationRebalance:
		return operationStringRebalance
	case OperationDelever:
		return operationStringDelever
	case OperationEmergencyWithdraw:
		return operationStringEmergencyWithdraw
	case OperationUpdateParams:
		return operationStringUpdateParams
	case OperationUnpause:
		return operationStringUnpause
	default:
		return "unknown"
	}
}

// Privileged reports whether only the operator may run the operation.
func (o Operation) Privileged() bool {
	switch o {
	case OperationDelever, OperationEmergencyWithdraw, OperationUpdateParams, OperationUnpause:
		return true
	}
	return false
}

// PoolAction is a state-changing call against the lending pool.
type PoolAction int

const (
	PoolActionSupply PoolAction = iota
	PoolActionBorrow
	PoolActionRepay
	PoolActionWithdraw
)

func (a PoolAction) String() string {
	switch a {
	case PoolActionSupply:
		return "supply"
	case PoolActionBorrow:
		return "borrow"
	case PoolActionRepay:
		return "repay"
	case PoolActionWithdraw:
		return "withdraw"
	default:
		return "unknown"
	}
}

// RebalanceAction is what a rebalance call decided to do.
type RebalanceAction int

const (
	RebalanceNoOp RebalanceAction = iota
	RebalanceDelever
	RebalanceRelever
)

func (a RebalanceAction) String() string {
	switch a {
	case RebalanceDelever:
		return "delever"
	case RebalanceRelever:
		return "relever"
	default:
		return "noop"
	}
}
