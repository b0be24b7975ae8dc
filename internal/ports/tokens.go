package ports

import (
	"time"

	"github.com/eleven-am/weave/internal/domain"
)

// TokenAuthority mints and settles execution tokens. Consume is a single
// atomic check-and-set: under concurrent reports of the same token exactly
// one caller wins, every other sees a stale-token error.
type TokenAuthority interface {
	Mint(runID domain.WorkflowRunID, nodeID domain.NodeID, attempt int, ttl time.Duration) (domain.ExecutionToken, error)
	Validate(token domain.ExecutionToken) error
	Consume(token domain.ExecutionToken) error
	InvalidateRun(runID domain.WorkflowRunID) error
}

// CallbackRegistry stores single-use resumption capabilities for suspended
// runs. Validate consumes on success.
type CallbackRegistry interface {
	Store(registration domain.CallbackRegistration) error
	Validate(runID domain.WorkflowRunID, token string) error
}
