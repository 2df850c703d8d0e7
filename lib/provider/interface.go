package provider

import (
	"context"
	"strings"

	"github.com/ValentinKolb/rTable/lib/journal"
	"github.com/google/uuid"
)

// --------------------------------------------------------------------------
// Host Contract
// --------------------------------------------------------------------------

// Transaction is the replication transaction of the host.
type Transaction = journal.Transaction

// Replicator describes the replica hosting a state provider.
type Replicator interface {
	PartitionID() uuid.UUID
	WorkDirectory() string
}

// OperationDataStream yields the full state of a provider chunk by chunk. Next returns io.EOF at the end.
type OperationDataStream interface {
	Next() ([]byte, error)
	Close() error
}

// StateProvider is the contract between a replication host and a replicated state.
// The host drives the lifecycle, delivers replicated operations through Apply and
// transfers full state between replicas with the copy methods.
type StateProvider interface {
	Initialize(replicator Replicator, name string, initContext []byte, id uuid.UUID) error
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Abort()
	ChangeRole(ctx context.Context, role Role) error
	OnDataLoss(ctx context.Context) (bool, error)

	PrepareCheckpoint(ctx context.Context) error
	PerformCheckpoint(ctx context.Context) error
	CompleteCheckpoint(ctx context.Context) error
	RecoverCheckpoint(ctx context.Context) error
	OnRecoveryCompleted(ctx context.Context) error
	BackupCheckpoint(ctx context.Context, dir string) error
	RestoreCheckpoint(ctx context.Context, dir string) error

	GetCurrentState() (OperationDataStream, error)
	BeginSettingCurrentState() error
	SetCurrentState(seq int64, data []byte) error
	EndSettingCurrentState() error

	Apply(ctx context.Context, lsn int64, tx Transaction, data []byte, ac ApplyContext) (any, error)
	Unlock(state any)

	GetChildren(name string) []StateProvider
	PrepareForRemove(ctx context.Context, tx Transaction) error
	RemoveState(ctx context.Context, id uuid.UUID) error
}

// --------------------------------------------------------------------------
// Apply Context
// --------------------------------------------------------------------------

// ApplyContext tells Apply in which role the replica received an operation and
// whether the operation is a redo or an undo.
type ApplyContext uint16

const (
	ApplyPrimary ApplyContext = 1 << iota
	ApplySecondary
	ApplyRecovery

	ApplyRedo
	ApplyUndo
	ApplyFalseProgress
)

// Has reports whether all bits of flag are set.
func (a ApplyContext) Has(flag ApplyContext) bool { return a&flag == flag }

func (a ApplyContext) String() string {
	names := []struct {
		flag ApplyContext
		name string
	}{
		{ApplyPrimary, "Primary"},
		{ApplySecondary, "Secondary"},
		{ApplyRecovery, "Recovery"},
		{ApplyRedo, "Redo"},
		{ApplyUndo, "Undo"},
		{ApplyFalseProgress, "FalseProgress"},
	}
	var parts []string
	for _, n := range names {
		if a.Has(n.flag) {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "None"
	}
	return strings.Join(parts, "|")
}

// --------------------------------------------------------------------------
// Roles
// --------------------------------------------------------------------------

// Role is the replica role reported by the host.
type Role int

const (
	RoleUnknown Role = iota
	RoleNone
	RolePrimary
	RoleIdleSecondary
	RoleActiveSecondary
)

func (r Role) String() string {
	switch r {
	case RoleNone:
		return "None"
	case RolePrimary:
		return "Primary"
	case RoleIdleSecondary:
		return "IdleSecondary"
	case RoleActiveSecondary:
		return "ActiveSecondary"
	default:
		return "Unknown"
	}
}
