package domain

import (
	"fmt"
)

// Badger key layout. Event keys zero-pad the sequence number so a prefix
// iteration yields events in order.

func RunEventKey(runID WorkflowRunID, sequence int64) string {
	return fmt.Sprintf("run:%s:event:%020d", runID, sequence)
}

func RunEventPrefix(runID WorkflowRunID) string {
	return fmt.Sprintf("run:%s:event:", runID)
}

func RunVersionKey(runID WorkflowRunID) string {
	return fmt.Sprintf("run:%s:version", runID)
}

func SnapshotKey(runID WorkflowRunID) string {
	return fmt.Sprintf("snapshot:%s", runID)
}

const SnapshotPrefix = "snapshot:"

func TokenKey(nonce string) string {
	return "token:" + nonce
}

func TokenRunIndexKey(runID WorkflowRunID, nonce string) string {
	return fmt.Sprintf("token-run:%s:%s", runID, nonce)
}

func TokenRunIndexPrefix(runID WorkflowRunID) string {
	return fmt.Sprintf("token-run:%s:", runID)
}

func CallbackKey(runID WorkflowRunID, token string) string {
	return fmt.Sprintf("callback:%s:%s", runID, token)
}

func AggregationKey(correlationID string) string {
	return "agg:" + correlationID
}

const AggregationPrefix = "agg:"

func TraceKey(correlationID string) string {
	return "trace:" + correlationID
}

const TracePrefix = "trace:"

func IdempotencyKey(key string) string {
	return "idem:" + key
}

const IdempotencyPrefix = "idem:"

func MessageKey(id string) string {
	return "msg:" + id
}

const MessagePrefix = "msg:"
