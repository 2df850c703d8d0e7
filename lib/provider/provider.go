package provider

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/ValentinKolb/rTable/lib/db"
	"github.com/ValentinKolb/rTable/lib/db/engines/pebbledb"
	"github.com/ValentinKolb/rTable/lib/db/util"
	"github.com/ValentinKolb/rTable/lib/journal"
	"github.com/ValentinKolb/rTable/lib/journal/pump"
	"github.com/ValentinKolb/rTable/lib/table"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("provider")

const (
	// DatabaseFile is the name of the engine instance inside the journal directory.
	DatabaseFile = "db.edb"
	journalDir   = "journal"
)

var (
	// ErrNotOpen is returned by operations that need an open journal.
	ErrNotOpen = errors.New("state provider is not open")
	// ErrNotInitialized is returned by Open before Initialize was called.
	ErrNotInitialized = errors.New("state provider is not initialized")
)

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_\-]`)

// SanitizeName removes every character that is not allowed in a table name.
func SanitizeName(name string) string {
	return invalidNameChars.ReplaceAllString(name, "")
}

// JournalDirectory returns the directory holding the database of a partition.
func JournalDirectory(workDir string, partition uuid.UUID) string {
	return filepath.Join(workDir, strings.ReplaceAll(partition.String(), "-", ""), journalDir)
}

// Options configure a Provider.
type Options struct {
	Engine       db.Driver // storage engine of the journal table (default pebble)
	PoolSize     int       // max number of table handles (default table.DefaultMaxHandles)
	SingleWriter bool      // run every apply and write on one pinned goroutine
	QueueSize    int       // queue size of the single writer (default pump.DefaultQueueSize)
	BackupDir    string    // backup restored by OnDataLoss, empty to disable
}

// --------------------------------------------------------------------------
// Provider
// --------------------------------------------------------------------------

var _ StateProvider = (*Provider[string, string])(nil)

// Provider adapts a journal to the StateProvider contract of a replication host.
type Provider[K, V any] struct {
	opts   Options
	keys   journal.Codec[K]
	values journal.Codec[V]

	mu          sync.RWMutex
	replicator  Replicator
	name        string
	id          uuid.UUID
	initContext []byte
	role        Role
	journal     *journal.Journal[K, V]
	pump        *pump.Pump
}

// New creates a provider. It does nothing until the host calls Initialize and Open.
func New[K, V any](keys journal.Codec[K], values journal.Codec[V], opts Options) *Provider[K, V] {
	if opts.Engine.Open == nil {
		opts.Engine = pebbledb.Driver()
	}
	return &Provider[K, V]{opts: opts, keys: keys, values: values}
}

// Name returns the name the provider was initialized with.
func (p *Provider[K, V]) Name() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.name
}

// Role returns the last role reported by the host.
func (p *Provider[K, V]) Role() Role {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.role
}

// Journal returns the open journal or ErrNotOpen.
func (p *Provider[K, V]) Journal() (*journal.Journal[K, V], error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.journal == nil {
		return nil, ErrNotOpen
	}
	return p.journal, nil
}

// Directory returns the journal directory of the provider.
func (p *Provider[K, V]) Directory() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.replicator == nil {
		return ""
	}
	return JournalDirectory(p.replicator.WorkDirectory(), p.replicator.PartitionID())
}

// Run executes fn on the single writer if one is configured, otherwise directly.
// Hosts run their writes through Run so that proposals and applies share one goroutine.
func (p *Provider[K, V]) Run(ctx context.Context, fn func() error) error {
	p.mu.RLock()
	pm := p.pump
	p.mu.RUnlock()
	if pm == nil {
		return fn()
	}
	_, err := pm.Do(ctx, func() (any, error) { return nil, fn() })
	return err
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

func (p *Provider[K, V]) Initialize(replicator Replicator, name string, initContext []byte, id uuid.UUID) error {
	if replicator == nil {
		return errors.New("replicator must not be nil")
	}
	if SanitizeName(name) == "" {
		return errors.Newf("invalid state provider name %q", name)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replicator = replicator
	p.name = name
	p.initContext = initContext
	p.id = id
	log.Infof("[%s] initialized %s (id=%s)", replicator.PartitionID(), name, id)
	return nil
}

// Open creates the journal directory, initializes the pool and the journal and starts the single writer.
func (p *Provider[K, V]) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.replicator == nil {
		return ErrNotInitialized
	}
	if p.journal != nil {
		return nil
	}

	dir := JournalDirectory(p.replicator.WorkDirectory(), p.replicator.PartitionID())
	tableName := SanitizeName(p.name)
	pool := table.NewPool(table.Options{
		Directory:  dir,
		FileName:   DatabaseFile,
		Table:      tableName,
		MaxHandles: p.opts.PoolSize,
		Engine:     p.opts.Engine,
	})
	if err := pool.Initialize(); err != nil {
		return errors.Wrapf(err, "open journal %s", p.name)
	}
	p.journal = journal.New[K, V](p.name, pool, p.keys, p.values,
		journal.WithMetricsLabel(tableName+"@"+p.replicator.PartitionID().String()))

	if p.opts.SingleWriter {
		p.pump = pump.New(p.opts.QueueSize)
		p.pump.Start()
	}
	log.Infof("[%s] opened %s in %s (single writer: %t)", p.replicator.PartitionID(), p.name, dir, p.opts.SingleWriter)
	return nil
}

// Close stops the single writer and closes the journal. In-flight operations are rolled back.
func (p *Provider[K, V]) Close(_ context.Context) error {
	p.mu.Lock()
	pm, j := p.detachLocked()
	p.mu.Unlock()
	return p.shutdown(pm, j)
}

// detachLocked removes the single writer and the journal from the provider. p.mu must be held.
// They are shut down outside the lock since running items may still use the provider.
func (p *Provider[K, V]) detachLocked() (*pump.Pump, *journal.Journal[K, V]) {
	pm, j := p.pump, p.journal
	p.pump, p.journal = nil, nil
	return pm, j
}

func (p *Provider[K, V]) shutdown(pm *pump.Pump, j *journal.Journal[K, V]) error {
	if pm != nil {
		pm.Stop()
	}
	if j == nil {
		return nil
	}
	err := j.Close()
	log.Infof("[%s] closed %s", p.partition(), p.name)
	return err
}

// Abort closes the provider and ignores every error.
func (p *Provider[K, V]) Abort() {
	if err := p.Close(context.Background()); err != nil {
		log.Warningf("[%s] abort of %s: %v", p.partition(), p.name, err)
	}
}

func (p *Provider[K, V]) partition() uuid.UUID {
	if p.replicator == nil {
		return uuid.Nil
	}
	return p.replicator.PartitionID()
}

// ChangeRole records the new role. A primary that loses its role rolls back all in-flight
// speculative operations, RoleNone closes the journal.
func (p *Provider[K, V]) ChangeRole(_ context.Context, role Role) error {
	p.mu.Lock()
	old := p.role
	p.role = role
	j := p.journal
	var pm *pump.Pump
	if role == RoleNone {
		pm, _ = p.detachLocked()
	}
	p.mu.Unlock()
	log.Infof("[%s] %s: role %s -> %s", p.partition(), p.name, old, role)

	if old == RolePrimary && role != RolePrimary && j != nil {
		if n := j.RollbackAll(journal.ErrRolledBack); n > 0 {
			log.Warningf("[%s] %s: %d speculative operation(s) rolled back on role change", p.partition(), p.name, n)
		}
	}
	if role == RoleNone {
		return p.shutdown(pm, j)
	}
	return nil
}

// OnDataLoss restores the configured backup. It reports whether the state changed.
func (p *Provider[K, V]) OnDataLoss(ctx context.Context) (bool, error) {
	log.Warningf("[%s] %s: data loss reported", p.partition(), p.name)
	if p.opts.BackupDir == "" {
		return false, nil
	}
	if !util.DirExists(p.opts.BackupDir) {
		log.Warningf("[%s] %s: backup directory %s does not exist", p.partition(), p.name, p.opts.BackupDir)
		return false, nil
	}
	entries, err := os.ReadDir(p.opts.BackupDir)
	if err != nil || len(entries) == 0 {
		log.Warningf("[%s] %s: no backup in %s", p.partition(), p.name, p.opts.BackupDir)
		return false, nil
	}
	j, err := p.Journal()
	if err != nil {
		return false, err
	}
	if err := j.Restore(ctx, p.opts.BackupDir); err != nil {
		return false, errors.Wrap(err, "restore after data loss")
	}
	log.Infof("[%s] %s: state restored from %s", p.partition(), p.name, p.opts.BackupDir)
	return true, nil
}

// --------------------------------------------------------------------------
// Checkpoints
// --------------------------------------------------------------------------

func (p *Provider[K, V]) PrepareCheckpoint(_ context.Context) error {
	log.Debugf("[%s] %s: prepare checkpoint", p.partition(), p.name)
	return nil
}

// PerformCheckpoint makes all committed data durable.
func (p *Provider[K, V]) PerformCheckpoint(_ context.Context) error {
	j, err := p.Journal()
	if err != nil {
		return err
	}
	log.Debugf("[%s] %s: perform checkpoint", p.partition(), p.name)
	return j.Pool().Flush()
}

func (p *Provider[K, V]) CompleteCheckpoint(_ context.Context) error {
	log.Debugf("[%s] %s: complete checkpoint", p.partition(), p.name)
	return nil
}

func (p *Provider[K, V]) RecoverCheckpoint(_ context.Context) error {
	log.Debugf("[%s] %s: recover checkpoint", p.partition(), p.name)
	return nil
}

func (p *Provider[K, V]) OnRecoveryCompleted(_ context.Context) error {
	log.Infof("[%s] %s: recovery completed", p.partition(), p.name)
	return nil
}

// BackupCheckpoint writes a backup of the committed state into dir.
func (p *Provider[K, V]) BackupCheckpoint(ctx context.Context, dir string) error {
	j, err := p.Journal()
	if err != nil {
		return err
	}
	return j.Backup(ctx, dir)
}

// RestoreCheckpoint replaces the state with the backup in dir.
func (p *Provider[K, V]) RestoreCheckpoint(ctx context.Context, dir string) error {
	j, err := p.Journal()
	if err != nil {
		return err
	}
	return j.Restore(ctx, dir)
}

// --------------------------------------------------------------------------
// Copy
// --------------------------------------------------------------------------

// GetCurrentState returns a stream of the full state as serialized Set operations.
func (p *Provider[K, V]) GetCurrentState() (OperationDataStream, error) {
	j, err := p.Journal()
	if err != nil {
		return nil, err
	}
	s, err := j.NewCopyStream()
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (p *Provider[K, V]) BeginSettingCurrentState() error {
	j, err := p.Journal()
	if err != nil {
		return err
	}
	return j.BeginCopy()
}

func (p *Provider[K, V]) SetCurrentState(seq int64, data []byte) error {
	j, err := p.Journal()
	if err != nil {
		return err
	}
	if err := j.ApplyCopy(data); err != nil {
		return errors.Wrapf(err, "copy record %d", seq)
	}
	return nil
}

func (p *Provider[K, V]) EndSettingCurrentState() error {
	j, err := p.Journal()
	if err != nil {
		return err
	}
	return j.EndCopy()
}

// --------------------------------------------------------------------------
// Apply
// --------------------------------------------------------------------------

// Apply delivers a replicated operation.
//
// On the primary the operation is still in flight: a redo commits its storage transaction, an
// undo rolls it back. Every other operation (secondaries, recovery, a primary after restart) is
// applied on a fresh handle and committed immediately. An undo on the primary that is no longer
// in flight is a no-op. A corrupt entry is never skipped: the error is returned to the host.
func (p *Provider[K, V]) Apply(ctx context.Context, lsn int64, tx Transaction, data []byte, ac ApplyContext) (any, error) {
	j, err := p.Journal()
	if err != nil {
		return nil, err
	}
	op, err := journal.Deserialize(data)
	if err != nil {
		log.Errorf("[%s] %s: lsn %d (%s): %v", p.partition(), p.name, lsn, ac, err)
		return nil, err
	}

	p.mu.RLock()
	pm := p.pump
	p.mu.RUnlock()
	if pm == nil {
		return p.apply(j, lsn, tx, op, ac)
	}
	return pm.Do(ctx, func() (any, error) { return p.apply(j, lsn, tx, op, ac) })
}

func (p *Provider[K, V]) apply(j *journal.Journal[K, V], lsn int64, tx Transaction, op *journal.Operation, ac ApplyContext) (any, error) {
	var txID int64
	if tx != nil {
		txID = tx.ID()
	}
	log.Debugf("[%s] %s: apply lsn=%d tx=%d op=%s context=%s", p.partition(), p.name, lsn, txID, op, ac)

	if ac.Has(ApplyPrimary) && tx != nil {
		found, err := j.Finalize(op.ID, txID, !ac.Has(ApplyUndo))
		if found {
			return nil, err
		}
		if ac.Has(ApplyUndo) {
			return nil, nil
		}
	}

	res, err := j.ApplyFresh(op)
	if err != nil {
		return nil, errors.Wrapf(err, "apply lsn %d", lsn)
	}
	return res, nil
}

func (p *Provider[K, V]) Unlock(_ any) {
	log.Debugf("[%s] %s: unlock", p.partition(), p.name)
}

// --------------------------------------------------------------------------
// Removal
// --------------------------------------------------------------------------

func (p *Provider[K, V]) GetChildren(_ string) []StateProvider { return nil }

func (p *Provider[K, V]) PrepareForRemove(_ context.Context, _ Transaction) error {
	log.Debugf("[%s] %s: prepare for remove", p.partition(), p.name)
	return nil
}

// RemoveState closes the journal and deletes its directory.
func (p *Provider[K, V]) RemoveState(_ context.Context, id uuid.UUID) error {
	p.mu.Lock()
	if p.replicator == nil {
		p.mu.Unlock()
		return ErrNotInitialized
	}
	dir := JournalDirectory(p.replicator.WorkDirectory(), p.replicator.PartitionID())
	pm, j := p.detachLocked()
	p.mu.Unlock()

	if err := p.shutdown(pm, j); err != nil {
		log.Warningf("[%s] %s: close before remove: %v", p.partition(), p.name, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "remove state %s", id)
	}
	log.Infof("[%s] %s: state %s removed (%s)", p.partition(), p.name, id, dir)
	return nil
}
