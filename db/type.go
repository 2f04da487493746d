package db

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

var (
	ErrDuplicateEntryCode = 1062
)

// Sentinel errors surfaced by the DAO. Component packages re-export the ones
// that belong to their contract.
var (
	// ErrOrderingViolation reports a mutation log append whose order id is
	// not exactly the block's next expected id.
	ErrOrderingViolation = errors.New("account update order id is not the next expected id")
	// ErrDuplicateTx reports a mempool insert whose content hash is already
	// present.
	ErrDuplicateTx = errors.New("duplicate transaction hash")
	// ErrAlreadyLeased reports a lease attempt on a block held by a live
	// prover.
	ErrAlreadyLeased = errors.New("block is already leased by a live prover")
	// ErrAlreadyProved reports a lease attempt on a block that has a stored
	// proof.
	ErrAlreadyProved = errors.New("block already has a proof")
	// ErrLeaseNotFound reports a heartbeat or release against an unknown or
	// stopped lease token.
	ErrLeaseNotFound = errors.New("prover lease not found or already stopped")
	// ErrNonceConflict reports a lost compare-and-set on the L1 nonce
	// counter. A single node never races itself, so this means two senders
	// share one database.
	ErrNonceConflict = errors.New("eth nonce counter changed under allocation")
	// ErrPriorityOpGap reports a non-contiguous priority op range at seal
	// time.
	ErrPriorityOpGap = errors.New("priority operation serial ids are not contiguous")
	// ErrOrphanedPriorityOp reports a reorg that dropped a priority op some
	// sealed block already consumed.
	ErrOrphanedPriorityOp = errors.New("reorg orphaned an already consumed priority operation")
)

func MysqlErrCode(err error) int {
	mysqlErr, ok := err.(*mysql.MySQLError)
	if !ok {
		return 0
	}
	return int(mysqlErr.Number)
}

// IsDuplicateKeyErr reports whether err is a unique-index violation. MySQL
// surfaces code 1062, sqlite a constraint message; tests run on sqlite.
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if MysqlErrCode(err) == ErrDuplicateEntryCode {
		return true
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "Duplicate entry") || strings.Contains(msg, "UNIQUE constraint failed")
}
