package engine

import (
	"docbatch/src/models"
)

// Flatten dissects every create of a batch and splices the resulting steps
// in place. Other steps pass through in their original order. Flattening an
// already flat batch only normalizes nil replace lists to empty ones.
func Flatten(batch models.Batch, collections CollectionLookup) (models.Batch, error) {
	placeholders := NewPlaceholderGenerator(batch)
	flat := make(models.Batch, 0, len(batch))

	for _, operation := range batch {
		create, ok := operation.(*models.CreateObjectOperation)
		if !ok {
			if _, err := collections.Collection(operation.CollectionName()); err != nil {
				return nil, withOperation(err, operation.Kind())
			}
			flat = append(flat, operation)
			continue
		}

		dissection, err := Dissect(create, collections, placeholders, false)
		if err != nil {
			return nil, err
		}
		flat = append(flat, dissection.ToBatch()...)
	}
	return flat, nil
}

// TouchedCollections lists the collections a batch writes to, in order of
// first appearance.
func TouchedCollections(batch models.Batch) []string {
	seen := make(map[string]bool)
	var collections []string
	for _, operation := range batch {
		name := operation.CollectionName()
		if !seen[name] {
			seen[name] = true
			collections = append(collections, name)
		}
	}
	return collections
}
