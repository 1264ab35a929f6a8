package executor

import (
	"regexp"

	"github.com/Iron-Ham/milestone/internal/chain"
	"github.com/Iron-Ham/milestone/internal/ledger"
)

// taskIDPattern is the accepted task ID shape.
var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// Request is one ledger mutation. Which fields matter depends on Op.
type Request struct {
	Op         ledger.Op
	TaskID     string
	Index      int
	Agent      string
	Amount     int64
	Milestones int
	ProofHash  string
	Resolution ledger.Resolution
}

// CreateEscrow builds a create request.
func CreateEscrow(taskID, agent string, amount int64, milestones int) Request {
	return Request{Op: ledger.OpCreateEscrow, TaskID: taskID, Agent: agent, Amount: amount, Milestones: milestones, Index: -1}
}

// SubmitProof builds a proof submission request.
func SubmitProof(taskID string, index int, hash string) Request {
	return Request{Op: ledger.OpSubmitProof, TaskID: taskID, Index: index, ProofHash: hash}
}

// VerifyProof builds a proof verification request.
func VerifyProof(taskID string, index int) Request {
	return Request{Op: ledger.OpVerifyProof, TaskID: taskID, Index: index}
}

// ReleaseMilestone builds a release request.
func ReleaseMilestone(taskID string, index int) Request {
	return Request{Op: ledger.OpReleaseMilestone, TaskID: taskID, Index: index}
}

// RaiseDispute builds a dispute request.
func RaiseDispute(taskID string) Request {
	return Request{Op: ledger.OpRaiseDispute, TaskID: taskID, Index: -1}
}

// ResolveDispute builds a resolution request.
func ResolveDispute(taskID string, resolution ledger.Resolution) Request {
	return Request{Op: ledger.OpResolveDispute, TaskID: taskID, Resolution: resolution, Index: -1}
}

// EmergencyRefund builds an emergency refund request.
func EmergencyRefund(taskID string) Request {
	return Request{Op: ledger.OpEmergencyRefund, TaskID: taskID, Index: -1}
}

func (r Request) tx(signer string, nonce uint64) chain.Tx {
	return chain.Tx{
		Signer:     signer,
		Nonce:      nonce,
		Op:         r.Op,
		TaskID:     r.TaskID,
		Index:      r.Index,
		Agent:      r.Agent,
		Amount:     r.Amount,
		Milestones: r.Milestones,
		ProofHash:  r.ProofHash,
		Resolution: r.Resolution,
	}
}
