package facts

import (
	schemaevidence "github.com/davidahmann/masbench/core/schema/v1/evidence"
)

// FactStore is the read-side index the assertion engine evaluates against.
type FactStore struct {
	byID    map[string]schemaevidence.FactRecord
	ordered []schemaevidence.FactRecord
}

func NewFactStore(facts []schemaevidence.FactRecord) *FactStore {
	store := &FactStore{byID: make(map[string]schemaevidence.FactRecord, len(facts))}
	for _, fact := range facts {
		store.byID[fact.FactID] = fact
		store.ordered = append(store.ordered, fact)
	}
	return store
}

// Get returns the fact with the given id, if present.
func (s *FactStore) Get(factID string) (schemaevidence.FactRecord, bool) {
	fact, ok := s.byID[factID]
	return fact, ok
}

// All returns facts in their written order.
func (s *FactStore) All() []schemaevidence.FactRecord {
	return s.ordered
}

// Len reports the number of facts.
func (s *FactStore) Len() int {
	return len(s.ordered)
}
