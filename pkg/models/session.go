// Package models contains domain models for evermind.
package models

import "fmt"

// SessionKey identifies one cached agent session per tenant, project and mode.
func SessionKey(tenantID, projectID, agentMode string) string {
	return fmt.Sprintf("%s:%s:%s", tenantID, projectID, agentMode)
}

// ComponentHashes captures the wiring fingerprint of a cached session.
// A cached session is only reusable when all three hashes match the
// current request; any mismatch means tools, skills or subagents changed
// underneath the cache.
type ComponentHashes struct {
	Tools     string `json:"tools"`
	Skills    string `json:"skills"`
	Subagents string `json:"subagents"`
}

// Equal reports whether both hash triples match.
func (h ComponentHashes) Equal(other ComponentHashes) bool {
	return h.Tools == other.Tools && h.Skills == other.Skills && h.Subagents == other.Subagents
}

// SessionInfo is a read-only snapshot of a cached session, safe to serialize
// for status endpoints.
type SessionInfo struct {
	Key                 string `json:"key"`
	TenantID            string `json:"tenant_id"`
	ProjectID           string `json:"project_id"`
	AgentMode           string `json:"agent_mode"`
	UseCount            int64  `json:"use_count"`
	CreatedAtEpoch      int64  `json:"created_at_epoch"`
	LastUsedAtEpoch     int64  `json:"last_used_at_epoch"`
	MarkedForDeletionAt int64  `json:"marked_for_deletion_at_epoch,omitempty"`
}
