package engine

import (
	"errors"
	"fmt"
	"sort"

	"docbatch/src/models"
)

// CollectionLookup resolves collection definitions by name.
type CollectionLookup interface {
	Collection(name string) (*models.CollectionDefinition, error)
}

const autoPlaceholderPrefix = "auto-gen:"

// PlaceholderGenerator hands out auto-gen:<n> names for one flattening pass,
// skipping names the caller already uses.
type PlaceholderGenerator struct {
	next int
	used map[string]bool
}

func NewPlaceholderGenerator(batch models.Batch) *PlaceholderGenerator {
	g := &PlaceholderGenerator{used: make(map[string]bool)}
	for _, operation := range batch {
		if placeholder := placeholderOf(operation); placeholder != "" {
			g.used[placeholder] = true
		}
	}
	return g
}

func (g *PlaceholderGenerator) Next() string {
	for {
		g.next++
		placeholder := fmt.Sprintf("%s%d", autoPlaceholderPrefix, g.next)
		if !g.used[placeholder] {
			g.used[placeholder] = true
			return placeholder
		}
	}
}

func placeholderOf(operation models.Operation) string {
	switch op := operation.(type) {
	case *models.CreateObjectOperation:
		return op.Placeholder
	case *models.UpdateObjectsOperation:
		return op.Placeholder
	case *models.DeleteObjectsOperation:
		return op.Placeholder
	default:
		return ""
	}
}

// DissectedObject is one primitive create pulled out of a nested create.
// Path leads from the root object of the request to this object, so its
// generated key can be spliced back into the caller's input.
type DissectedObject struct {
	Path        []interface{}
	Placeholder string
	Collection  string
	Args        models.Object
	Replace     []models.Replacement
}

type Dissection struct {
	Objects []DissectedObject
}

// Dissect splits a nested create into primitive creates, parents before
// children. Values found under a reverse relationship alias become child
// creates that get their parent's key through a replace entry.
//
// The root step keeps the caller's placeholder. Without one it is named
// only when it has children, unless nameRoot asks for a name regardless.
func Dissect(step *models.CreateObjectOperation, collections CollectionLookup, placeholders *PlaceholderGenerator, nameRoot bool) (*Dissection, error) {
	def, err := collections.Collection(step.Collection)
	if err != nil {
		return nil, withOperation(err, models.OpCreateObject)
	}

	placeholder := step.Placeholder
	if placeholder == "" && (nameRoot || hasNestedChildren(step.Args, def)) {
		placeholder = placeholders.Next()
	}

	root := DissectedObject{
		Path:        []interface{}{},
		Placeholder: placeholder,
		Collection:  step.Collection,
		Replace:     append([]models.Replacement{}, step.Replace...),
	}

	d := &Dissection{}
	if err := dissectObject(d, root, step.Args, def, collections, placeholders); err != nil {
		return nil, err
	}
	return d, nil
}

func hasNestedChildren(args models.Object, def *models.CollectionDefinition) bool {
	for key, value := range args {
		if _, ok := def.ReverseRelationshipsByAlias[key]; ok && value != nil {
			return true
		}
	}
	return false
}

func dissectObject(d *Dissection, entry DissectedObject, args models.Object, def *models.CollectionDefinition, collections CollectionLookup, placeholders *PlaceholderGenerator) error {
	entry.Args = make(models.Object, len(args))
	type nested struct {
		key     string
		value   interface{}
		reverse models.ReverseRelationship
	}
	var children []nested

	for key, value := range args {
		reverse, ok := def.ReverseRelationshipsByAlias[key]
		if !ok {
			entry.Args[key] = value
			continue
		}
		if value != nil {
			children = append(children, nested{key: key, value: value, reverse: reverse})
		}
	}

	d.Objects = append(d.Objects, entry)
	if len(children) == 0 {
		return nil
	}

	// Map iteration order is random; children are emitted by alias name.
	sort.Slice(children, func(i, j int) bool { return children[i].key < children[j].key })

	for _, child := range children {
		childDef, err := collections.Collection(child.reverse.Collection())
		if err != nil {
			return withOperation(err, models.OpCreateObject)
		}

		visit := func(path []interface{}, value interface{}) error {
			object, ok := value.(map[string]interface{})
			if !ok {
				return fmt.Errorf("collection '%s': expected an object under '%s', got %T", def.Name, child.key, value)
			}
			childEntry := DissectedObject{
				Path:        path,
				Placeholder: placeholders.Next(),
				Collection:  childDef.Name,
				Replace:     []models.Replacement{{Path: child.reverse.Alias(), Placeholder: entry.Placeholder}},
			}
			return dissectObject(d, childEntry, object, childDef, collections, placeholders)
		}

		switch value := child.value.(type) {
		case []interface{}:
			for i, item := range value {
				if err := visit(appendPath(entry.Path, child.key, i), item); err != nil {
					return err
				}
			}
		case []map[string]interface{}:
			for i, item := range value {
				if err := visit(appendPath(entry.Path, child.key, i), item); err != nil {
					return err
				}
			}
		default:
			if err := visit(appendPath(entry.Path, child.key), value); err != nil {
				return err
			}
		}
	}
	return nil
}

func appendPath(path []interface{}, parts ...interface{}) []interface{} {
	out := make([]interface{}, 0, len(path)+len(parts))
	out = append(out, path...)
	return append(out, parts...)
}

// ToBatch turns a dissection into create steps. Every step gets a non-nil
// replace list.
func (d *Dissection) ToBatch() models.Batch {
	batch := make(models.Batch, 0, len(d.Objects))
	for _, object := range d.Objects {
		replace := object.Replace
		if replace == nil {
			replace = []models.Replacement{}
		}
		batch = append(batch, &models.CreateObjectOperation{
			Placeholder: object.Placeholder,
			Collection:  object.Collection,
			Args:        object.Args,
			Replace:     replace,
		})
	}
	return batch
}

func withOperation(err error, operation models.OperationKind) error {
	var unknown *models.UnknownCollectionError
	if errors.As(err, &unknown) && unknown.Operation == "" {
		return &models.UnknownCollectionError{Collection: unknown.Collection, Operation: string(operation)}
	}
	return err
}
