// Package auth establishes the actor identity and permission set that the
// boundary API enforces. Business packages never see tokens, only the
// validated actor string.
package auth

// Permissions understood by the boundary API.
const (
	PermIngestWrite = "ingest.write"
	PermLedgerRead  = "ledger.read"
	PermLedgerWrite = "ledger.write"
	PermJobsEnqueue = "jobs.enqueue"
	PermJobsWork    = "jobs.work"
	PermJobsCancel  = "jobs.cancel"
)

// Principal is any entity making a request.
type Principal interface {
	GetID() string
	GetPermissions() []string
	HasPermission(perm string) bool
}

// BasePrincipal is a simple implementation of Principal.
type BasePrincipal struct {
	ID          string
	Permissions []string
}

func (b *BasePrincipal) GetID() string {
	return b.ID
}

func (b *BasePrincipal) GetPermissions() []string {
	return b.Permissions
}

func (b *BasePrincipal) HasPermission(perm string) bool {
	for _, p := range b.Permissions {
		if p == perm || p == "*" {
			return true
		}
	}
	return false
}
