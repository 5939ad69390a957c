package models

import (
	"fmt"
	"time"
)

// Object is a single stored document. Nested related objects are plain maps
// or slices of maps until a dissection pulls them apart.
type Object = map[string]interface{}

type FieldType string

const (
	FieldTypeString    FieldType = "string"
	FieldTypeText      FieldType = "text"
	FieldTypeInt       FieldType = "int"
	FieldTypeFloat     FieldType = "float"
	FieldTypeBoolean   FieldType = "boolean"
	FieldTypeTimestamp FieldType = "timestamp"
	FieldTypeAutoPK    FieldType = "auto-pk"
)

// FieldKind is the resolved shape of a field. It is assigned once when the
// registry finishes initialization so nothing downstream has to inspect the
// declared type string again.
type FieldKind int

const (
	FieldKindUnresolved FieldKind = iota
	FieldKindScalar
	FieldKindText
	FieldKindTimestamp
	FieldKindAutoPK
	FieldKindCustom
)

func (k FieldKind) String() string {
	switch k {
	case FieldKindScalar:
		return "scalar"
	case FieldKindText:
		return "text"
	case FieldKindTimestamp:
		return "timestamp"
	case FieldKindAutoPK:
		return "auto-pk"
	case FieldKindCustom:
		return "custom"
	default:
		return "unresolved"
	}
}

// FieldCodec transforms a field value on its way into and out of storage.
type FieldCodec interface {
	ToStorage(value interface{}) (interface{}, error)
	FromStorage(value interface{}) (interface{}, error)
}

// AbsentValueFiller is implemented by codecs that produce a value for a field
// missing from a created object.
type AbsentValueFiller interface {
	FillsAbsent() bool
}

type FieldDefinition struct {
	Name     string
	Type     FieldType
	Optional bool

	Kind  FieldKind
	Codec FieldCodec // nil unless the field type registers one

	// IndexSlot is the position in CollectionDefinition.Indices of the first
	// single-field index on this field, -1 when there is none.
	IndexSlot int
}

func (f *FieldDefinition) Indexed() bool {
	return f.IndexSlot >= 0
}

type RelationshipKind int

const (
	ChildOf RelationshipKind = iota + 1
	SingleChildOf
	Connects
)

func (k RelationshipKind) String() string {
	switch k {
	case ChildOf:
		return "childOf"
	case SingleChildOf:
		return "singleChildOf"
	case Connects:
		return "connects"
	default:
		return fmt.Sprintf("RelationshipKind(%d)", int(k))
	}
}

// Relationship is a closed union over the three relationship kinds. Only the
// fields matching Kind are meaningful:
//
//	ChildOf, SingleChildOf: TargetCollection, Alias, FieldName, ReverseAlias
//	Connects:               Connects, Aliases, FieldNames, ReverseAliases
type Relationship struct {
	Kind             RelationshipKind
	SourceCollection string

	TargetCollection string
	Alias            string
	FieldName        string
	ReverseAlias     string

	Connects       [2]string
	Aliases        [2]string
	FieldNames     [2]string
	ReverseAliases [2]string
}

// StoredFieldNames lists the FK fields the relationship keeps on the source
// collection.
func (r *Relationship) StoredFieldNames() []string {
	switch r.Kind {
	case ChildOf, SingleChildOf:
		return []string{r.FieldName}
	case Connects:
		return []string{r.FieldNames[0], r.FieldNames[1]}
	default:
		return nil
	}
}

// AliasPairs maps every alias of the relationship to its stored field name.
func (r *Relationship) AliasPairs() [][2]string {
	switch r.Kind {
	case ChildOf, SingleChildOf:
		return [][2]string{{r.Alias, r.FieldName}}
	case Connects:
		return [][2]string{
			{r.Aliases[0], r.FieldNames[0]},
			{r.Aliases[1], r.FieldNames[1]},
		}
	default:
		return nil
	}
}

// ReverseRelationship is a relationship seen from the collection it points
// at. Side selects the connects half that targets that collection.
type ReverseRelationship struct {
	Relationship *Relationship
	Side         int
}

// Collection is the collection holding the FK, i.e. where nested objects
// found under the reverse alias get created.
func (r ReverseRelationship) Collection() string {
	return r.Relationship.SourceCollection
}

// Alias is the key the child uses to refer back to its parent.
func (r ReverseRelationship) Alias() string {
	if r.Relationship.Kind == Connects {
		return r.Relationship.Aliases[r.Side]
	}
	return r.Relationship.Alias
}

// Single reports whether the reverse side holds one object instead of a list.
func (r ReverseRelationship) Single() bool {
	return r.Relationship.Kind == SingleChildOf
}

// IndexFieldRef points either at a plain field or at a relationship alias.
type IndexFieldRef struct {
	Field        string
	Relationship string
}

func (r IndexFieldRef) IsRelationship() bool {
	return r.Relationship != ""
}

func (r IndexFieldRef) String() string {
	if r.IsRelationship() {
		return "{relationship: " + r.Relationship + "}"
	}
	return r.Field
}

type IndexDefinition struct {
	Fields   []IndexFieldRef
	Compound bool

	PK                bool
	Unique            bool
	AutoInc           bool
	FullTextIndexName string
}

// Single returns the only field reference of a non-compound index.
func (d *IndexDefinition) Single() IndexFieldRef {
	return d.Fields[0]
}

// TermsField is the derived field holding the stems of an indexed text field.
func (d *IndexDefinition) TermsField(fieldName string) string {
	if d.FullTextIndexName != "" {
		return d.FullTextIndexName
	}
	return TermsIndexName(fieldName)
}

func TermsIndexName(fieldName string) string {
	return "_" + fieldName + "_terms"
}

type CollectionDefinition struct {
	Name          string
	Version       time.Time
	Fields        []FieldDefinition
	Relationships []Relationship
	Indices       []IndexDefinition

	// Resolved when the registry finishes initialization.
	PKIndex                     int
	PKFields                    []string
	ReverseRelationshipsByAlias map[string]ReverseRelationship

	fieldsByName         map[string]int
	relationshipsByAlias map[string]int
}

// BuildLookups indexes fields and relationship aliases by name. It has to run
// again whenever Fields or Relationships are replaced.
func (c *CollectionDefinition) BuildLookups() error {
	c.fieldsByName = make(map[string]int, len(c.Fields))
	for i, field := range c.Fields {
		if _, exists := c.fieldsByName[field.Name]; exists {
			return &ConfigurationError{Collection: c.Name, Message: fmt.Sprintf("field '%s' declared twice", field.Name)}
		}
		c.fieldsByName[field.Name] = i
	}

	c.relationshipsByAlias = make(map[string]int)
	for i := range c.Relationships {
		for _, pair := range c.Relationships[i].AliasPairs() {
			if _, exists := c.relationshipsByAlias[pair[0]]; exists {
				return &ConfigurationError{Collection: c.Name, Message: fmt.Sprintf("relationship alias '%s' declared twice", pair[0])}
			}
			c.relationshipsByAlias[pair[0]] = i
		}
	}
	return nil
}

func (c *CollectionDefinition) Field(name string) (*FieldDefinition, bool) {
	i, ok := c.fieldsByName[name]
	if !ok {
		return nil, false
	}
	return &c.Fields[i], true
}

func (c *CollectionDefinition) RelationshipByAlias(alias string) (*Relationship, bool) {
	i, ok := c.relationshipsByAlias[alias]
	if !ok {
		return nil, false
	}
	return &c.Relationships[i], true
}

// StoredFieldForAlias returns the stored name behind a relationship alias.
func (c *CollectionDefinition) StoredFieldForAlias(alias string) (string, bool) {
	rel, ok := c.RelationshipByAlias(alias)
	if !ok {
		return "", false
	}
	for _, pair := range rel.AliasPairs() {
		if pair[0] == alias {
			return pair[1], true
		}
	}
	return "", false
}

// PrimaryKey returns the primary key index.
func (c *CollectionDefinition) PrimaryKey() *IndexDefinition {
	if c.PKIndex < 0 || c.PKIndex >= len(c.Indices) {
		return nil
	}
	return &c.Indices[c.PKIndex]
}

// Clone returns a deep enough copy for the registry to resolve defaults on
// without touching what the caller registered.
func (c *CollectionDefinition) Clone() *CollectionDefinition {
	clone := *c
	clone.Fields = append([]FieldDefinition(nil), c.Fields...)
	clone.Relationships = append([]Relationship(nil), c.Relationships...)
	clone.Indices = make([]IndexDefinition, len(c.Indices))
	for i, index := range c.Indices {
		index.Fields = append([]IndexFieldRef(nil), index.Fields...)
		clone.Indices[i] = index
	}
	clone.PKFields = append([]string(nil), c.PKFields...)
	clone.ReverseRelationshipsByAlias = nil
	clone.fieldsByName = nil
	clone.relationshipsByAlias = nil
	return &clone
}

// nowMarker is the type of Now.
type nowMarker struct{}

// Now asks the write path to fill a timestamp field with the current time.
var Now = nowMarker{}

// NowString is the textual form of Now accepted from decoded batch files.
const NowString = "$now"

func IsNow(value interface{}) bool {
	switch v := value.(type) {
	case nowMarker:
		return true
	case string:
		return v == NowString
	default:
		return false
	}
}
