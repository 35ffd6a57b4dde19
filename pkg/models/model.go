// Package models describes persistent Go types: their table, columns, keys and
// relations, as parsed by GORM's schema package, plus reflection accessors for
// reading and writing those properties on live values.
package models

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

var (
	// ErrNotRegistered is returned for types that were never registered.
	ErrNotRegistered = errors.New("models: type not registered")
	// ErrUnknownProperty is returned when a property name matches no field.
	ErrUnknownProperty = errors.New("models: unknown property")
	// ErrKeyConflict is returned when a type is registered under two keys.
	ErrKeyConflict = errors.New("models: type registered under another key")
)

// RelationKind classifies an association.
type RelationKind string

const (
	BelongsTo           RelationKind = "belongs_to"
	HasOne              RelationKind = "has_one"
	HasMany             RelationKind = "has_many"
	HasAndBelongsToMany RelationKind = "has_and_belongs_to_many"
)

var deletedAtType = reflect.TypeOf(gorm.DeletedAt{})

// Property is one persistent field.
type Property struct {
	field         *schema.Field
	Name          string
	Column        string
	Type          reflect.Type
	DataType      string
	Default       string
	Size          int
	PrimaryKey    bool
	AutoIncrement bool
	NotNull       bool
	Unique        bool
	Creatable     bool
	Updatable     bool
	Readable      bool
}

// Relation is one association to another model.
type Relation struct {
	Name        string
	Kind        RelationKind
	Target      string
	ForeignKeys []string
	JoinTable   string
}

// Model is the metadata of one registered type.
type Model struct {
	schema     *schema.Schema
	byName     map[string]*Property
	Type       reflect.Type
	Name       string
	Table      string
	Key        string
	PrimaryKey []*Property
	Properties []*Property
	Relations  []*Relation
	CreatedAt  *Property
	UpdatedAt  *Property
	SoftDelete bool
}

func newModel(key string, s *schema.Schema) *Model {
	m := &Model{
		schema: s,
		byName: make(map[string]*Property),
		Type:   s.ModelType,
		Name:   s.Name,
		Table:  s.Table,
		Key:    key,
	}

	for _, f := range s.Fields {
		// Fields without a column are association holders.
		if f.DBName == "" {
			continue
		}
		p := &Property{
			field:         f,
			Name:          f.Name,
			Column:        f.DBName,
			Type:          f.FieldType,
			DataType:      string(f.DataType),
			Default:       f.DefaultValue,
			Size:          f.Size,
			PrimaryKey:    f.PrimaryKey,
			AutoIncrement: f.AutoIncrement,
			NotNull:       f.NotNull,
			Unique:        f.Unique,
			Creatable:     f.Creatable,
			Updatable:     f.Updatable,
			Readable:      f.Readable,
		}
		m.Properties = append(m.Properties, p)
		m.byName[p.Name] = p
		m.byName[p.Column] = p

		if p.PrimaryKey {
			m.PrimaryKey = append(m.PrimaryKey, p)
		}
		if f.AutoCreateTime > 0 && m.CreatedAt == nil {
			m.CreatedAt = p
		}
		if f.AutoUpdateTime > 0 && m.UpdatedAt == nil {
			m.UpdatedAt = p
		}
		if f.FieldType == deletedAtType {
			m.SoftDelete = true
		}
	}

	add := func(kind RelationKind, rels []*schema.Relationship) {
		for _, rel := range rels {
			r := &Relation{Name: rel.Name, Kind: kind}
			if rel.FieldSchema != nil {
				r.Target = rel.FieldSchema.Name
			}
			if rel.JoinTable != nil {
				r.JoinTable = rel.JoinTable.Table
			}
			for _, ref := range rel.References {
				if ref.ForeignKey != nil {
					r.ForeignKeys = append(r.ForeignKeys, ref.ForeignKey.DBName)
				}
			}
			m.Relations = append(m.Relations, r)
		}
	}
	add(BelongsTo, s.Relationships.BelongsTo)
	add(HasOne, s.Relationships.HasOne)
	add(HasMany, s.Relationships.HasMany)
	add(HasAndBelongsToMany, s.Relationships.Many2Many)

	return m
}

// String returns the model name and table.
func (m *Model) String() string {
	return fmt.Sprintf("%s(%s)", m.Name, m.Table)
}

// Schema exposes the parsed GORM schema.
func (m *Model) Schema() *schema.Schema {
	return m.schema
}

// New returns a pointer to a new zero value of the model type.
func (m *Model) New() any {
	return reflect.New(m.Type).Interface()
}

// Property looks up a property by Go field name or column name.
func (m *Model) Property(name string) (*Property, error) {
	if p, ok := m.byName[name]; ok {
		return p, nil
	}
	for _, p := range m.Properties {
		if strings.EqualFold(p.Name, name) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s.%s", ErrUnknownProperty, m.Name, name)
}

// Column maps a property name to its column.
func (m *Model) Column(name string) (string, error) {
	p, err := m.Property(name)
	if err != nil {
		return "", err
	}
	return p.Column, nil
}

// Relation looks up an association by field name.
func (m *Model) Relation(name string) (*Relation, bool) {
	for _, r := range m.Relations {
		if r.Name == name {
			return r, true
		}
	}
	return nil, false
}

// JoinTables returns the many-to-many tables owned by this model.
func (m *Model) JoinTables() []string {
	var out []string
	for _, r := range m.Relations {
		if r.JoinTable != "" {
			out = append(out, r.JoinTable)
		}
	}
	return out
}

func (m *Model) reflectValue(v any) (reflect.Value, error) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return reflect.Value{}, fmt.Errorf("models: nil %s", m.Name)
		}
		rv = rv.Elem()
	}
	if rv.Type() != m.Type {
		return reflect.Value{}, fmt.Errorf("models: %T is not %s", v, m.Name)
	}
	return rv, nil
}

// Value reads a property from v.
func (m *Model) Value(ctx context.Context, v any, property string) (any, error) {
	p, err := m.Property(property)
	if err != nil {
		return nil, err
	}
	rv, err := m.reflectValue(v)
	if err != nil {
		return nil, err
	}
	value, _ := p.field.ValueOf(ctx, rv)
	return value, nil
}

// SetValue writes a property on v, which must be a pointer.
func (m *Model) SetValue(ctx context.Context, v any, property string, value any) error {
	p, err := m.Property(property)
	if err != nil {
		return err
	}
	if reflect.ValueOf(v).Kind() != reflect.Ptr {
		return fmt.Errorf("models: SetValue needs a pointer, got %T", v)
	}
	rv, err := m.reflectValue(v)
	if err != nil {
		return err
	}
	return p.field.Set(ctx, rv, value)
}

// Values returns every property of v keyed by Go field name.
func (m *Model) Values(ctx context.Context, v any) (map[string]any, error) {
	rv, err := m.reflectValue(v)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(m.Properties))
	for _, p := range m.Properties {
		out[p.Name], _ = p.field.ValueOf(ctx, rv)
	}
	return out, nil
}

// PrimaryKeyValue returns the primary key of v. Composite keys come back as a
// slice in declaration order.
func (m *Model) PrimaryKeyValue(ctx context.Context, v any) (any, error) {
	rv, err := m.reflectValue(v)
	if err != nil {
		return nil, err
	}
	switch len(m.PrimaryKey) {
	case 0:
		return nil, fmt.Errorf("models: %s has no primary key", m.Name)
	case 1:
		value, _ := m.PrimaryKey[0].field.ValueOf(ctx, rv)
		return value, nil
	}
	values := make([]any, len(m.PrimaryKey))
	for i, p := range m.PrimaryKey {
		values[i], _ = p.field.ValueOf(ctx, rv)
	}
	return values, nil
}

// IsNew reports whether v has never been persisted, judged by every primary
// key component being the zero value.
func (m *Model) IsNew(ctx context.Context, v any) (bool, error) {
	rv, err := m.reflectValue(v)
	if err != nil {
		return false, err
	}
	if len(m.PrimaryKey) == 0 {
		return false, fmt.Errorf("models: %s has no primary key", m.Name)
	}
	for _, p := range m.PrimaryKey {
		if _, zero := p.field.ValueOf(ctx, rv); !zero {
			return false, nil
		}
	}
	return true, nil
}
