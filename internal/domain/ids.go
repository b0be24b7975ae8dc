package domain

import (
	"github.com/google/uuid"
)

type WorkflowRunID string

type NodeID string

type TenantID string

type WorkflowDefinitionID string

func NewWorkflowRunID() WorkflowRunID {
	return WorkflowRunID(uuid.NewString())
}

func (id WorkflowRunID) String() string { return string(id) }

func (id WorkflowRunID) IsZero() bool { return id == "" }

func (id NodeID) String() string { return string(id) }

func (id TenantID) String() string { return string(id) }

func (id WorkflowDefinitionID) String() string { return string(id) }
