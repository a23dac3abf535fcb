// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/cedar-policy/cedar-go"
	"github.com/chainguard-dev/clog"
)

//go:embed policies.cedar
var policiesContent []byte

const (
	agentType     = cedar.EntityType("Avp::Agent")
	workspaceType = cedar.EntityType("Avp::Workspace")
	actionType    = cedar.EntityType("Avp::Action")
)

// Authorizer decides workspace access with a Cedar policy set.
type Authorizer struct {
	policies *cedar.PolicySet
}

// NewAuthorizer parses policies, or the built-in set when policies is nil.
func NewAuthorizer(policies []byte) (*Authorizer, error) {
	if policies == nil {
		policies = policiesContent
	}
	ps, err := cedar.NewPolicySetFromBytes("policies.cedar", policies)
	if err != nil {
		return nil, fmt.Errorf("parsing policies: %w", err)
	}
	return &Authorizer{policies: ps}, nil
}

// Allowed reports whether caller may perform action on ws.
func (a *Authorizer) Allowed(ctx context.Context, caller string, action Action, ws *Workspace) bool {
	agent := cedar.NewEntityUID(agentType, cedar.String(caller))
	resource := cedar.NewEntityUID(workspaceType, cedar.String(ws.ID))

	parents := cedar.NewEntityUIDSet()
	if ws.Granted(caller) {
		parents = cedar.NewEntityUIDSet(resource)
	}

	entities := cedar.EntityMap{
		agent: {
			UID:        agent,
			Parents:    parents,
			Attributes: cedar.NewRecord(cedar.RecordMap{}),
		},
		resource: {
			UID:     resource,
			Parents: cedar.NewEntityUIDSet(),
			Attributes: cedar.NewRecord(cedar.RecordMap{
				"owner": cedar.NewEntityUID(agentType, cedar.String(ws.Owner)),
				"state": cedar.String(ws.State.String()),
			}),
		},
	}

	decision, diag := cedar.Authorize(a.policies, entities, cedar.Request{
		Principal: agent,
		Action:    cedar.NewEntityUID(actionType, cedar.String(string(action))),
		Resource:  resource,
		Context:   cedar.NewRecord(cedar.RecordMap{}),
	})
	for _, e := range diag.Errors {
		clog.FromContext(ctx).Warnf("policy %s evaluation error: %s", e.PolicyID, e.Message)
	}
	return decision == cedar.Allow
}
