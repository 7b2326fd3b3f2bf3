package internal

import (
	"fmt"

	"github.com/lychee-technology/keel"
	"go.uber.org/zap"
)

// Validator runs property validators and entity rules over a change set.
// It holds only the read-only registry and is safe for concurrent use.
type Validator struct {
	registry keel.SchemaRegistry
}

// NewValidator creates a Validator backed by registry metadata.
func NewValidator(registry keel.SchemaRegistry) *Validator {
	return &Validator{registry: registry}
}

// Validate checks every non-deleted entity and collects all failures. When
// throwIfInvalid is set and anything failed, the list comes back wrapped in a
// *keel.EntityErrorsError instead.
func (v *Validator) Validate(changeSet *keel.ChangeSet, throwIfInvalid bool) ([]keel.EntityError, error) {
	var errs []keel.EntityError
	if changeSet == nil {
		return errs, nil
	}

	for _, typeName := range changeSet.Types() {
		entityType, ok := v.registry.EntityType(typeName)
		if !ok {
			return nil, keel.NewSaveError(keel.ErrorTypeValidation, keel.ErrCodeUnknownEntityType,
				fmt.Sprintf("entity type %s is not registered", typeName))
		}
		for _, record := range changeSet.Records(typeName) {
			if record.EntityState == keel.EntityStateDeleted {
				continue
			}
			recordErrs, err := v.validateRecord(entityType, record)
			if err != nil {
				return nil, err
			}
			errs = append(errs, recordErrs...)
		}
	}

	if len(errs) > 0 {
		zap.S().Debugw("validation produced entity errors", "count", len(errs), "throw", throwIfInvalid)
		if throwIfInvalid {
			return nil, &keel.EntityErrorsError{Errors: errs}
		}
	}
	return errs, nil
}

type entityErrorSink struct {
	entityType *keel.EntityType
	entity     *keel.Entity
	keyValues  []any
	errs       []keel.EntityError
}

func (s *entityErrorSink) add(errorName, propertyName, msg string) {
	// Key values are only computed once an entity actually fails.
	if s.keyValues == nil {
		s.keyValues = s.entityType.KeyValues(s.entity)
	}
	if propertyName != "" {
		msg = fmt.Sprintf("'%s' %s", propertyName, msg)
	}
	s.errs = append(s.errs, keel.EntityError{
		EntityTypeName: s.entityType.Name,
		ErrorName:      errorName,
		Message:        msg,
		KeyValues:      s.keyValues,
		PropertyName:   propertyName,
	})
}

func (v *Validator) validateRecord(entityType *keel.EntityType, record *keel.EntityRecord) ([]keel.EntityError, error) {
	sink := &entityErrorSink{entityType: entityType, entity: record.Entity}
	v.validateProperties(sink, record.Entity, "", entityType.Properties)

	for _, rule := range entityType.Rules {
		msg, err := rule.Check(record.Entity)
		if err != nil {
			return nil, keel.NewSaveError(keel.ErrorTypeValidation, keel.ErrCodeValidatorMisconfigured,
				fmt.Sprintf("rule %s failed to evaluate", rule.Name())).WithEntity(entityType.Name).WithCause(err)
		}
		if msg != nil {
			sink.add(rule.Name(), rule.Property(), *msg)
		}
	}
	return sink.errs, nil
}

func (v *Validator) validateProperties(sink *entityErrorSink, entity *keel.Entity, prefix string, props []keel.PropertyDescriptor) {
	for _, prop := range props {
		path := prop.Name
		if prefix != "" {
			path = prefix + "." + prop.Name
		}
		value := entity.Get(path)
		for _, validator := range prop.Validators {
			if msg := validator.Validate(value); msg != nil {
				sink.add(validator.Name(), path, *msg)
			}
		}
		if prop.Type == keel.ValueTypeComponent && len(prop.Properties) > 0 {
			v.validateProperties(sink, entity, path, prop.Properties)
		}
	}
}
