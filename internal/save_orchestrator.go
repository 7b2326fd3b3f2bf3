package internal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lychee-technology/keel"
	"go.uber.org/zap"
)

// WriteOrderHook post-processes the write order before anything is
// persisted. Only records it returns are written.
type WriteOrderHook func(ctx context.Context, order []*keel.EntityRecord) ([]*keel.EntityRecord, error)

// SaveOrchestratorOption configures a SaveOrchestrator.
type SaveOrchestratorOption func(*SaveOrchestrator)

// WithWriteOrderHook installs a hook run between fixup and persistence.
func WithWriteOrderHook(hook WriteOrderHook) SaveOrchestratorOption {
	return func(o *SaveOrchestrator) { o.hook = hook }
}

// WithJournal records a summary of every committed save.
func WithJournal(journal keel.Journal) SaveOrchestratorOption {
	return func(o *SaveOrchestrator) { o.journal = journal }
}

// SaveOrchestrator runs one save end to end: validation, relationship
// fixup, key generation, ordered writes, key mapping, refresh and commit.
// It keeps no per-save state and can serve concurrent saves.
type SaveOrchestrator struct {
	registry  keel.SchemaRegistry
	backend   keel.Backend
	keyGen    keel.KeyGenerator
	validator *Validator
	fixer     *RelationshipFixer
	hook      WriteOrderHook
	journal   keel.Journal
	nowFunc   func() time.Time
}

// NewSaveOrchestrator wires the pipeline over a backend. The relationship map
// comes from the backend.
func NewSaveOrchestrator(registry keel.SchemaRegistry, backend keel.Backend, keyGen keel.KeyGenerator, opts ...SaveOrchestratorOption) *SaveOrchestrator {
	o := &SaveOrchestrator{
		registry:  registry,
		backend:   backend,
		keyGen:    keyGen,
		validator: NewValidator(registry),
		fixer:     NewRelationshipFixer(registry, backend.RelationshipMap()),
		nowFunc:   time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// saveRun is the in-flight state of one Save call.
type saveRun struct {
	tx       keel.Tx
	ownsTx   bool
	order    []*keel.EntityRecord
	tempKeys []keel.TempKeyInfo
	// identityKeys holds keys assigned by the backend on insert.
	identityKeys []keel.TempKeyInfo
}

// Save persists changeSet. Validation failures with ThrowIfInvalid set come
// back as *keel.EntityErrorsError before any transaction is opened.
// Constraint failures during the writes roll the save back and are reported
// in SaveResult.EntityErrors with a nil error. Anything else rolls back and
// is returned as an error.
func (o *SaveOrchestrator) Save(ctx context.Context, changeSet *keel.ChangeSet, opts keel.SaveOptions) (*keel.SaveResult, error) {
	start := o.nowFunc()
	if changeSet == nil {
		return nil, fmt.Errorf("change set cannot be nil")
	}

	validationErrors, err := o.validator.Validate(changeSet, opts.ThrowIfInvalid)
	if err != nil {
		outcome := outcomeFailed
		if _, ok := keel.AsEntityErrors(err); ok {
			outcome = outcomeValidationFailed
		}
		EmitSaveLatency(ctx, outcome, o.since(start))
		return nil, err
	}

	run := &saveRun{}
	if opts.Tx != nil {
		run.tx = opts.Tx
	} else if opts.Transaction.Mode != keel.TransactionModeNone {
		if opts.Transaction.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, opts.Transaction.Timeout)
			defer cancel()
		}
		tx, err := o.backend.BeginTx(ctx, opts.Transaction)
		if err != nil {
			EmitSaveLatency(ctx, outcomeFailed, o.since(start))
			return nil, keel.NewInfrastructureError("begin transaction", err)
		}
		run.tx = tx
		run.ownsTx = true
	}

	zap.S().Debugw("save started", "entities", changeSet.Len(), "types", changeSet.Types(), "ownsTx", run.ownsTx)

	result, err := o.persist(ctx, run, changeSet, opts)
	if err != nil {
		o.rollback(ctx, run, err)
		var ce *keel.ConstraintError
		if errors.As(err, &ce) {
			EmitSaveLatency(ctx, outcomeRolledBack, o.since(start))
			return &keel.SaveResult{
				KeyMappings:  []keel.KeyMapping{},
				EntityErrors: append(append([]keel.EntityError{}, validationErrors...), ce.EntityError()),
			}, nil
		}
		EmitSaveLatency(ctx, outcomeFailed, o.since(start))
		var se *keel.SaveError
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, keel.NewInfrastructureError("save failed", err)
	}

	if run.ownsTx {
		if err := run.tx.Commit(ctx); err != nil {
			o.restoreTemporaryKeys(run)
			EmitSaveLatency(ctx, outcomeFailed, o.since(start))
			return nil, keel.NewInfrastructureError("commit transaction", err)
		}
	}

	result.EntityErrors = append([]keel.EntityError{}, validationErrors...)
	o.recordJournal(ctx, run, result)
	o.emitEntityCounts(ctx, run.order)
	EmitSaveLatency(ctx, outcomeCommitted, o.since(start))
	zap.S().Infow("save committed", "entities", len(result.Entities), "keyMappings", len(result.KeyMappings), "validationErrors", len(validationErrors))
	return result, nil
}

func (o *SaveOrchestrator) persist(ctx context.Context, run *saveRun, changeSet *keel.ChangeSet, opts keel.SaveOptions) (*keel.SaveResult, error) {
	var loader EntityLoader
	if opts.ResolveFromBackend {
		loader = txLoader{backend: o.backend, tx: run.tx}
	}
	order, err := o.fixer.Fixup(ctx, changeSet, loader)
	if err != nil {
		return nil, err
	}
	if o.hook != nil {
		if order, err = o.hook(ctx, order); err != nil {
			return nil, fmt.Errorf("write order hook: %w", err)
		}
	}
	run.order = order

	if err := o.generateKeys(ctx, run); err != nil {
		return nil, err
	}

	for _, rec := range order {
		if err := o.write(ctx, run, rec); err != nil {
			return nil, err
		}
	}

	mappings := make([]keel.KeyMapping, 0, len(run.tempKeys)+len(run.identityKeys))
	for _, tk := range append(append([]keel.TempKeyInfo{}, run.tempKeys...), run.identityKeys...) {
		mappings = append(mappings, keel.KeyMapping{
			EntityTypeName: tk.Record.Entity.Type,
			TemporaryValue: tk.TemporaryValue,
			RealValue:      tk.Record.Entity.Get(tk.KeyProperty.Name),
		})
	}

	entities := make([]*keel.Entity, 0, len(order))
	for _, rec := range order {
		switch rec.EntityState {
		case keel.EntityStateAdded, keel.EntityStateModified:
			if err := o.backend.Refresh(ctx, run.tx, rec.Entity); err != nil {
				return nil, fmt.Errorf("refresh %s: %w", rec.Entity.Type, err)
			}
		}
		if rec.EntityState != keel.EntityStateUnchanged {
			entities = append(entities, rec.Entity)
		}
	}

	return &keel.SaveResult{Entities: entities, KeyMappings: mappings}, nil
}

func (o *SaveOrchestrator) generateKeys(ctx context.Context, run *saveRun) error {
	for _, rec := range run.order {
		if rec.EntityState != keel.EntityStateAdded {
			continue
		}
		entityType, ok := o.registry.EntityType(rec.Entity.Type)
		if !ok {
			continue
		}
		switch entityType.KeyGeneration {
		case keel.KeyGenerationCounter, keel.KeyGenerationGUID:
			prop, _ := entityType.Property(entityType.KeyProperties[0])
			run.tempKeys = append(run.tempKeys, keel.TempKeyInfo{
				Record:         rec,
				KeyProperty:    prop,
				TemporaryValue: rec.Entity.Get(prop.Name),
			})
		}
	}
	if len(run.tempKeys) == 0 {
		return nil
	}
	if o.keyGen == nil {
		return keel.NewKeyGenerationError(keel.ErrCodeKeyTypeUnsupported, "no key generator configured")
	}
	return o.keyGen.UpdateKeys(ctx, run.tempKeys)
}

func (o *SaveOrchestrator) write(ctx context.Context, run *saveRun, rec *keel.EntityRecord) error {
	entityType, ok := o.registry.EntityType(rec.Entity.Type)
	if !ok {
		return keel.NewRelationshipConfigurationError(keel.ErrCodeUnknownEntityType,
			fmt.Sprintf("entity type %s is not registered", rec.Entity.Type))
	}

	switch rec.EntityState {
	case keel.EntityStateUnchanged:
		return nil
	case keel.EntityStateAdded, keel.EntityStateModified:
		// The backend matches on the version held in memory, so the value the
		// client loaded goes back in place of any bumped one.
		if entityType.VersionProperty != "" {
			if original, ok := rec.OriginalValue(entityType.VersionProperty); ok {
				rec.Entity.Set(entityType.VersionProperty, original)
			}
		}
	}

	syncForeignKeys(o.registry, o.fixer.relationships, rec)

	if backendAssignsKey(entityType, rec) {
		prop, _ := entityType.Property(entityType.KeyProperties[0])
		run.identityKeys = append(run.identityKeys, keel.TempKeyInfo{
			Record:         rec,
			KeyProperty:    prop,
			TemporaryValue: rec.Entity.Get(prop.Name),
		})
	}

	switch rec.EntityState {
	case keel.EntityStateAdded, keel.EntityStateModified, keel.EntityStateDeleted:
		return o.backend.Write(ctx, run.tx, rec)
	default:
		return fmt.Errorf("unsupported entity state %q", rec.EntityState)
	}
}

func (o *SaveOrchestrator) rollback(ctx context.Context, run *saveRun, cause error) {
	o.restoreTemporaryKeys(run)
	if !run.ownsTx {
		if run.tx != nil {
			zap.S().Warnw("save failed inside caller transaction; caller must roll back", "error", cause)
		} else {
			zap.S().Warnw("save failed without a transaction; earlier writes are not undone", "error", cause)
		}
		return
	}
	// The save context may already be cancelled by its timeout.
	if err := run.tx.Rollback(context.WithoutCancel(ctx)); err != nil {
		zap.S().Errorw("rollback failed", "error", err, "cause", cause)
		return
	}
	zap.S().Infow("save rolled back", "cause", cause)
}

// restoreTemporaryKeys puts temporary keys back on entities that received
// generated ones and re-derives dependents' foreign keys from them.
func (o *SaveOrchestrator) restoreTemporaryKeys(run *saveRun) {
	if len(run.tempKeys) == 0 && len(run.identityKeys) == 0 {
		return
	}
	for _, tk := range run.tempKeys {
		tk.Record.Entity.Set(tk.KeyProperty.Name, tk.TemporaryValue)
	}
	for _, tk := range run.identityKeys {
		tk.Record.Entity.Set(tk.KeyProperty.Name, tk.TemporaryValue)
	}
	for _, rec := range run.order {
		syncForeignKeys(o.registry, o.fixer.relationships, rec)
	}
}

func (o *SaveOrchestrator) recordJournal(ctx context.Context, run *saveRun, result *keel.SaveResult) {
	if o.journal == nil {
		return
	}
	entry := keel.JournalEntry{
		SaveID:      uuid.NewString(),
		CommittedAt: o.nowFunc().UnixMilli(),
		KeyMappings: result.KeyMappings,
	}
	for _, rec := range run.order {
		if rec.EntityState == keel.EntityStateUnchanged {
			continue
		}
		entityType, ok := o.registry.EntityType(rec.Entity.Type)
		if !ok {
			continue
		}
		entry.Changes = append(entry.Changes, keel.JournalChange{
			EntityTypeName: rec.Entity.Type,
			EntityState:    rec.EntityState,
			KeyValues:      entityType.KeyValues(rec.Entity),
		})
	}
	if err := o.journal.Record(ctx, entry); err != nil {
		zap.S().Warnw("failed to record save journal", "saveId", entry.SaveID, "error", err)
		EmitJournalFailure(ctx)
	}
}

func (o *SaveOrchestrator) emitEntityCounts(ctx context.Context, order []*keel.EntityRecord) {
	type bucket struct{ entityType, state string }
	counts := make(map[bucket]int64)
	for _, rec := range order {
		if rec.EntityState == keel.EntityStateUnchanged {
			continue
		}
		counts[bucket{rec.Entity.Type, string(rec.EntityState)}]++
	}
	for b, n := range counts {
		EmitEntityCount(ctx, b.entityType, b.state, n)
	}
}

func (o *SaveOrchestrator) since(start time.Time) int64 {
	return o.nowFunc().Sub(start).Milliseconds()
}

// txLoader adapts a backend and the save's transaction to EntityLoader.
type txLoader struct {
	backend keel.Backend
	tx      keel.Tx
}

func (l txLoader) LoadByKey(ctx context.Context, entityType string, key []any) (*keel.Entity, bool, error) {
	return l.backend.LoadByKey(ctx, l.tx, entityType, key)
}
