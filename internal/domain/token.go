package domain

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// ExecutionToken is a single-use capability scoping one (run, node, attempt)
// triple. It is minted when the attempt is scheduled and must be presented to
// settle that attempt's outcome.
type ExecutionToken struct {
	RunID     WorkflowRunID `json:"run_id"`
	NodeID    NodeID        `json:"node_id"`
	Attempt   int           `json:"attempt"`
	IssuedAt  time.Time     `json:"issued_at"`
	ExpiresAt time.Time     `json:"expires_at"`
	Nonce     string        `json:"nonce"`
}

func NewExecutionToken(runID WorkflowRunID, nodeID NodeID, attempt int, ttl time.Duration) ExecutionToken {
	now := time.Now().UTC()
	return ExecutionToken{
		RunID:     runID,
		NodeID:    nodeID,
		Attempt:   attempt,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
		Nonce:     newNonce(),
	}
}

func (t ExecutionToken) IsExpired() bool {
	return !t.ExpiresAt.After(time.Now().UTC())
}

func (t ExecutionToken) Matches(runID WorkflowRunID, nodeID NodeID, attempt int) bool {
	return t.RunID == runID && t.NodeID == nodeID && t.Attempt == attempt
}

// TokenRecord is the persisted state of a minted token. Consumption is a
// one-way flag; a consumed record stays around until its TTL elapses so a
// late duplicate report can be distinguished from a forged nonce.
type TokenRecord struct {
	Token      ExecutionToken `json:"token"`
	Consumed   bool           `json:"consumed"`
	ConsumedAt *time.Time     `json:"consumed_at,omitempty"`
}

func (r TokenRecord) IsLive() bool {
	return !r.Consumed && !r.Token.IsExpired()
}

// CallbackRegistration authorizes resuming a suspended run, e.g. on human
// task completion. Same single-use discipline as ExecutionToken.
type CallbackRegistration struct {
	RunID     WorkflowRunID `json:"run_id"`
	Token     string        `json:"token"`
	URL       string        `json:"url,omitempty"`
	IssuedAt  time.Time     `json:"issued_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}

func NewCallbackRegistration(runID WorkflowRunID, url string, ttl time.Duration) CallbackRegistration {
	now := time.Now().UTC()
	return CallbackRegistration{
		RunID:     runID,
		Token:     newNonce(),
		URL:       url,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
}

func (c CallbackRegistration) IsExpired() bool {
	return !c.ExpiresAt.After(time.Now().UTC())
}

func newNonce() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		panic("nonce entropy unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}
