package internal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/lychee-technology/keel"
	"go.uber.org/zap"
)

// entitySchemaFile is the keel-specific part of an entity schema file. The
// standard JSON Schema keywords are read through jsonschema.Schema.
type entitySchemaFile struct {
	Title         string             `json:"title"`
	Table         string             `json:"x-table"`
	Key           []string           `json:"x-key"`
	KeyGeneration string             `json:"x-key-generation"`
	Version       string             `json:"x-version"`
	Rules         []ruleDefinition   `json:"x-rules"`
	Properties    map[string]rawProp `json:"properties"`
}

type rawProp struct {
	Type       string              `json:"x-type"`
	Relation   *relationDefinition `json:"x-relation"`
	Properties map[string]rawProp  `json:"properties"`
}

type relationDefinition struct {
	Target      string   `json:"target"`
	ForeignKeys []string `json:"foreignKeys"`
	InKey       bool     `json:"inKey"`
}

type ruleDefinition struct {
	Name     string `json:"name"`
	Property string `json:"property"`
	Expr     string `json:"expr"`
	Message  string `json:"message"`
}

// LoadSchemaDirectory reads every *.json entity schema in dir and builds a
// registry. The entity type name is the schema title, or the file name
// without extension when the title is empty.
func LoadSchemaDirectory(dir string) (keel.SchemaRegistry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read schema dir: %w", err)
	}

	var types []*keel.EntityType
	relationships := make(map[string][]string)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		entityType, rels, err := ParseEntitySchema(strings.TrimSuffix(name, ".json"), data)
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", name, err)
		}
		types = append(types, entityType)
		for k, v := range rels {
			relationships[k] = v
		}
	}

	zap.S().Infow("loaded entity schemas", "dir", dir, "types", len(types), "relationships", len(relationships))
	return NewSchemaRegistry(types, relationships)
}

// ParseEntitySchema converts one schema document into an entity type and the
// relationship entries of its navigations.
func ParseEntitySchema(defaultName string, data []byte) (*keel.EntityType, map[string][]string, error) {
	var schema jsonschema.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, nil, fmt.Errorf("unmarshal json schema: %w", err)
	}
	if _, err := schema.Resolve(&jsonschema.ResolveOptions{}); err != nil {
		return nil, nil, fmt.Errorf("resolve json schema: %w", err)
	}
	var ext entitySchemaFile
	if err := json.Unmarshal(data, &ext); err != nil {
		return nil, nil, fmt.Errorf("unmarshal schema extensions: %w", err)
	}

	entityType := &keel.EntityType{
		Name:            ext.Title,
		Table:           ext.Table,
		KeyProperties:   ext.Key,
		KeyGeneration:   keel.KeyGeneration(ext.KeyGeneration),
		VersionProperty: ext.Version,
	}
	if entityType.Name == "" {
		entityType.Name = defaultName
	}
	switch entityType.KeyGeneration {
	case "", keel.KeyGenerationNone, keel.KeyGenerationCounter, keel.KeyGenerationGUID, keel.KeyGenerationIdentity:
	default:
		return nil, nil, fmt.Errorf("unknown key generation %q", ext.KeyGeneration)
	}

	relationships := make(map[string][]string)
	props, navs, err := buildProperties(entityType.Name, "", &schema, ext.Properties, relationships)
	if err != nil {
		return nil, nil, err
	}
	entityType.Properties = props
	entityType.Navigations = navs

	for _, def := range ext.Rules {
		rule, err := NewExpressionRule(def.Name, def.Property, def.Expr, def.Message)
		if err != nil {
			return nil, nil, err
		}
		entityType.Rules = append(entityType.Rules, rule)
	}
	return entityType, relationships, nil
}

func buildProperties(entityName, component string, schema *jsonschema.Schema, ext map[string]rawProp, relationships map[string][]string) ([]keel.PropertyDescriptor, []keel.NavigationDescriptor, error) {
	names := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	required := make(map[string]bool, len(schema.Required))
	for _, r := range schema.Required {
		required[r] = true
	}

	var props []keel.PropertyDescriptor
	var navs []keel.NavigationDescriptor
	for _, name := range names {
		propSchema := schema.Properties[name]
		propExt := ext[name]

		if rel := propExt.Relation; rel != nil {
			if rel.Target == "" || len(rel.ForeignKeys) == 0 {
				return nil, nil, fmt.Errorf("navigation %s.%s needs a target and foreign keys", entityName, name)
			}
			nav := keel.NavigationDescriptor{Name: name, Target: rel.Target, Component: component, InKey: rel.InKey}
			relationships[keel.RelationshipKey(entityName, nav.Path())] = rel.ForeignKeys
			navs = append(navs, nav)
			continue
		}

		prop := keel.PropertyDescriptor{Name: name, Type: valueTypeOf(propSchema, propExt.Type)}
		validators, err := buildValidators(propSchema, required[name])
		if err != nil {
			return nil, nil, fmt.Errorf("property %s.%s: %w", entityName, name, err)
		}
		prop.Validators = validators

		if prop.Type == keel.ValueTypeComponent {
			path := name
			if component != "" {
				path = component + "." + name
			}
			subProps, subNavs, err := buildProperties(entityName, path, propSchema, propExt.Properties, relationships)
			if err != nil {
				return nil, nil, err
			}
			prop.Properties = subProps
			navs = append(navs, subNavs...)
		}
		props = append(props, prop)
	}
	return props, navs, nil
}

func valueTypeOf(schema *jsonschema.Schema, override string) keel.ValueType {
	if override != "" {
		return keel.ValueType(override)
	}
	switch schema.Type {
	case "integer":
		return keel.ValueTypeBigInt
	case "number":
		return keel.ValueTypeNumeric
	case "boolean":
		return keel.ValueTypeBool
	case "object":
		return keel.ValueTypeComponent
	case "string":
		switch schema.Format {
		case "uuid":
			return keel.ValueTypeUUID
		case "date-time":
			return keel.ValueTypeDateTime
		}
	}
	return keel.ValueTypeText
}

func buildValidators(schema *jsonschema.Schema, required bool) ([]keel.PropertyValidator, error) {
	var validators []keel.PropertyValidator
	if required {
		validators = append(validators, RequiredValidator{})
	}
	if schema.MaxLength != nil {
		v, err := NewMaxLengthValidator(*schema.MaxLength)
		if err != nil {
			return nil, err
		}
		validators = append(validators, v)
	}
	if schema.MinLength != nil {
		v, err := NewMinLengthValidator(*schema.MinLength)
		if err != nil {
			return nil, err
		}
		validators = append(validators, v)
	}
	if schema.Pattern != "" {
		v, err := NewPatternValidator(schema.Pattern)
		if err != nil {
			return nil, err
		}
		validators = append(validators, v)
	}
	if len(schema.Enum) > 0 {
		validators = append(validators, NewEnumValidator(schema.Enum))
	}
	if schema.Minimum != nil || schema.Maximum != nil {
		validators = append(validators, RangeValidator{Min: schema.Minimum, Max: schema.Maximum})
	}
	return validators, nil
}
