package objectdb

import (
	"context"
	"sort"
	"sync"
)

type modelKey struct {
	objectID string
	method   string
}

type memoryStore struct {
	mu     sync.RWMutex
	models map[modelKey]*Model
}

// NewMemoryStore returns a Store holding its models in memory.
func NewMemoryStore() Store {
	return &memoryStore{models: map[modelKey]*Model{}}
}

func (ms *memoryStore) SaveModel(ctx context.Context, model *Model) error {
	if err := model.Validate(); err != nil {
		return err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.models[modelKey{model.ObjectID, model.Method}] = model.Copy()
	return nil
}

func (ms *memoryStore) LoadModels(ctx context.Context, method string, objectIDs []string) ([]*Model, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if len(objectIDs) == 0 {
		models := make([]*Model, 0)
		for key, m := range ms.models {
			if key.method == method {
				models = append(models, m.Copy())
			}
		}
		sort.Slice(models, func(i, j int) bool {
			return models[i].ObjectID < models[j].ObjectID
		})
		return models, nil
	}
	models := make([]*Model, 0, len(objectIDs))
	for _, id := range objectIDs {
		m, ok := ms.models[modelKey{id, method}]
		if !ok {
			return nil, NewModelNotFoundError(id, method)
		}
		models = append(models, m.Copy())
	}
	return models, nil
}

func (ms *memoryStore) Close(ctx context.Context) error {
	return nil
}
