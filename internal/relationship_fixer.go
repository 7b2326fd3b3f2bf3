package internal

import (
	"context"
	"fmt"

	"github.com/lychee-technology/keel"
	"go.uber.org/zap"
)

// EntityLoader materializes entities that are not part of the change set.
type EntityLoader interface {
	LoadByKey(ctx context.Context, entityType string, key []any) (*keel.Entity, bool, error)
}

// RelationshipFixer reconnects to-one navigation references inside a change
// set and computes a parent-before-child write order. It holds only
// read-only metadata and is safe for concurrent use.
type RelationshipFixer struct {
	registry      keel.SchemaRegistry
	relationships *keel.RelationshipMap
}

// NewRelationshipFixer creates a fixer. A nil relationships map falls back to
// the registry's map.
func NewRelationshipFixer(registry keel.SchemaRegistry, relationships *keel.RelationshipMap) *RelationshipFixer {
	if relationships == nil {
		relationships = registry.RelationshipMap()
	}
	return &RelationshipFixer{registry: registry, relationships: relationships}
}

// fixupState is per-call bookkeeping; it never outlives one Fixup.
type fixupState struct {
	byKey    map[string]map[string]*keel.EntityRecord
	byEntity map[*keel.Entity]*keel.EntityRecord
	loader   EntityLoader
}

// Fixup wires navigation references from foreign-key values and returns the
// write order. A nil loader means relationships are only resolved inside the
// change set; unresolved references are left unset for the backend to
// handle through the bare foreign-key value.
func (f *RelationshipFixer) Fixup(ctx context.Context, changeSet *keel.ChangeSet, loader EntityLoader) ([]*keel.EntityRecord, error) {
	records := changeSet.All()
	state := &fixupState{
		byKey:    make(map[string]map[string]*keel.EntityRecord),
		byEntity: make(map[*keel.Entity]*keel.EntityRecord, len(records)),
		loader:   loader,
	}

	for _, rec := range records {
		entityType, ok := f.registry.EntityType(rec.Entity.Type)
		if !ok {
			return nil, keel.NewRelationshipConfigurationError(keel.ErrCodeUnknownEntityType,
				fmt.Sprintf("entity type %s is not registered", rec.Entity.Type))
		}
		state.byEntity[rec.Entity] = rec
		key := entityType.KeyValues(rec.Entity)
		if keel.HasNilKey(key) {
			continue
		}
		bucket := state.byKey[entityType.Name]
		if bucket == nil {
			bucket = make(map[string]*keel.EntityRecord)
			state.byKey[entityType.Name] = bucket
		}
		bucket[keel.KeyString(key)] = rec
	}

	for _, rec := range records {
		entityType, _ := f.registry.EntityType(rec.Entity.Type)
		if err := f.fixupRecord(ctx, state, entityType, rec); err != nil {
			return nil, err
		}
	}

	return f.writeOrder(records, state)
}

func (f *RelationshipFixer) fixupRecord(ctx context.Context, state *fixupState, entityType *keel.EntityType, rec *keel.EntityRecord) error {
	// Navigations inside the same component are resolved together so the
	// component is rewritten at most once, and only when something changed.
	components := make(map[string][]keel.NavigationDescriptor)
	var componentOrder []string

	for _, nav := range entityType.Navigations {
		if nav.Component != "" {
			if _, seen := components[nav.Component]; !seen {
				componentOrder = append(componentOrder, nav.Component)
			}
			components[nav.Component] = append(components[nav.Component], nav)
			continue
		}
		target, err := f.resolve(ctx, state, entityType, rec, nav)
		if err != nil {
			return err
		}
		if target != nil {
			rec.Entity.Set(nav.Path(), target)
		}
	}

	for _, component := range componentOrder {
		current, _ := rec.Entity.Get(component).(map[string]any)
		updated := make(map[string]any, len(current)+len(components[component]))
		for k, v := range current {
			updated[k] = v
		}
		changed := false
		for _, nav := range components[component] {
			target, err := f.resolve(ctx, state, entityType, rec, nav)
			if err != nil {
				return err
			}
			if target != nil {
				updated[nav.Name] = target
				changed = true
			}
		}
		if changed {
			rec.Entity.Set(component, updated)
		}
	}
	return nil
}

func (f *RelationshipFixer) resolve(ctx context.Context, state *fixupState, entityType *keel.EntityType, rec *keel.EntityRecord, nav keel.NavigationDescriptor) (*keel.Entity, error) {
	fks, ok := f.relationships.ForeignKeys(entityType.Name, nav.Path())
	if !ok {
		return nil, keel.NewRelationshipConfigurationError(keel.ErrCodeMissingForeignKey,
			fmt.Sprintf("no foreign key mapping for navigation %s", keel.RelationshipKey(entityType.Name, nav.Path())))
	}

	if rec.Entity.Reference(nav.Path()) != nil {
		return nil, nil
	}

	fkValues := make([]any, len(fks))
	for i, fk := range fks {
		value := rec.Entity.Get(fk)
		if value == nil && rec.EntityState == keel.EntityStateDeleted {
			value, _ = rec.OriginalValue(fk)
		}
		fkValues[i] = value
	}
	if keel.HasNilKey(fkValues) {
		return nil, nil
	}

	if parent, ok := state.byKey[nav.Target][keel.KeyString(fkValues)]; ok {
		return parent.Entity, nil
	}

	if state.loader == nil {
		return nil, nil
	}
	loaded, found, err := state.loader.LoadByKey(ctx, nav.Target, fkValues)
	if err != nil {
		return nil, fmt.Errorf("load %s %v for %s: %w", nav.Target, fkValues, keel.RelationshipKey(entityType.Name, nav.Path()), err)
	}
	if !found {
		zap.S().Debugw("related entity not found in backend", "navigation", keel.RelationshipKey(entityType.Name, nav.Path()), "key", fkValues)
		return nil, nil
	}
	return loaded, nil
}

// writeOrder keeps the change-set order except that an added parent is
// emitted before any entity referencing it. Cycles between added entities
// are reported rather than broken arbitrarily.
func (f *RelationshipFixer) writeOrder(records []*keel.EntityRecord, state *fixupState) ([]*keel.EntityRecord, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	marks := make(map[*keel.EntityRecord]int, len(records))
	order := make([]*keel.EntityRecord, 0, len(records))

	var visit func(rec *keel.EntityRecord, path []*keel.EntityRecord) error
	visit = func(rec *keel.EntityRecord, path []*keel.EntityRecord) error {
		switch marks[rec] {
		case done:
			return nil
		case visiting:
			return cycleError(append(path, rec))
		}
		marks[rec] = visiting
		for _, parent := range f.addedParents(rec, state) {
			if err := visit(parent, append(path, rec)); err != nil {
				return err
			}
		}
		marks[rec] = done
		order = append(order, rec)
		return nil
	}

	for _, rec := range records {
		if err := visit(rec, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func (f *RelationshipFixer) addedParents(rec *keel.EntityRecord, state *fixupState) []*keel.EntityRecord {
	entityType, ok := f.registry.EntityType(rec.Entity.Type)
	if !ok {
		return nil
	}
	var parents []*keel.EntityRecord
	for _, nav := range entityType.Navigations {
		ref := rec.Entity.Reference(nav.Path())
		if ref == nil || ref == rec.Entity {
			continue
		}
		parent, ok := state.byEntity[ref]
		if !ok || parent.EntityState != keel.EntityStateAdded {
			continue
		}
		parents = append(parents, parent)
	}
	return parents
}

func cycleError(path []*keel.EntityRecord) error {
	start := path[len(path)-1]
	names := make([]string, 0, len(path))
	inCycle := false
	for _, rec := range path {
		if rec == start {
			inCycle = true
		}
		if inCycle {
			names = append(names, rec.Entity.Type)
		}
	}
	return keel.NewRelationshipConfigurationError(keel.ErrCodeCyclicDependency,
		fmt.Sprintf("cyclic dependency between added entities: %v", names))
}

// syncForeignKeys copies the current key of every referenced entity into the
// foreign-key properties backing the navigation, so dependents carry keys
// assigned during the save.
func syncForeignKeys(registry keel.SchemaRegistry, relationships *keel.RelationshipMap, rec *keel.EntityRecord) {
	if rec.EntityState == keel.EntityStateDeleted {
		return
	}
	entityType, ok := registry.EntityType(rec.Entity.Type)
	if !ok {
		return
	}
	for _, nav := range entityType.Navigations {
		ref := rec.Entity.Reference(nav.Path())
		if ref == nil {
			continue
		}
		targetType, ok := registry.EntityType(nav.Target)
		if !ok {
			continue
		}
		fks, ok := relationships.ForeignKeys(entityType.Name, nav.Path())
		if !ok || len(fks) != len(targetType.KeyProperties) {
			continue
		}
		key := targetType.KeyValues(ref)
		if keel.HasNilKey(key) {
			continue
		}
		for i, fk := range fks {
			rec.Entity.Set(fk, key[i])
		}
	}
}
