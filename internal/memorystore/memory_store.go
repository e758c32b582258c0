package memorystore

import (
	"sort"
	"sync"
	"time"
)

// AnyCreated is the interface for values where the creation time can be retrieved.
type AnyCreated interface {
	// CreatedAt returns the creation time of the value.
	CreatedAt() time.Time
}

// Storer defines an interface that any store must implement.
type Storer[T AnyCreated] interface {
	// Add stores a value under id, replacing an earlier one.
	Add(id string, value T)
	// Get returns the value stored under id.
	Get(id string) (T, bool)
	// Delete removes the value stored under id.
	Delete(id string)
	// Len returns the number of stored values.
	Len() int
	// List returns the values, oldest first.
	List() []T
	// First returns the oldest value matching filter.
	First(StoreFilter[T]) (T, bool)
	// ApplyAll calls the reducer function with every value in the store.
	ApplyAll(StoreReducer[T])
}

// StoreFilter defines a function to filter values in the store.
type StoreFilter[T AnyCreated] func(T) bool

// StoreReducer defines a function to manipulate values in the store.
type StoreReducer[T AnyCreated] func(T)

type memoryStore[T AnyCreated] struct {
	mu     sync.RWMutex
	values map[string]T
}

// New initializes a new memory store.
func New[T AnyCreated]() Storer[T] {
	return &memoryStore[T]{values: map[string]T{}}
}

func (c *memoryStore[T]) Add(id string, value T) {
	c.mu.Lock()
	c.values[id] = value
	c.mu.Unlock()
}

func (c *memoryStore[T]) Get(id string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[id]
	return v, ok
}

func (c *memoryStore[T]) Delete(id string) {
	c.mu.Lock()
	delete(c.values, id)
	c.mu.Unlock()
}

func (c *memoryStore[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}

func (c *memoryStore[T]) List() []T {
	c.mu.RLock()
	values := make([]T, 0, len(c.values))
	for _, v := range c.values {
		values = append(values, v)
	}
	c.mu.RUnlock()

	sort.SliceStable(values, func(i, j int) bool {
		return values[i].CreatedAt().Before(values[j].CreatedAt())
	})
	return values
}

func (c *memoryStore[T]) First(filter StoreFilter[T]) (res T, found bool) {
	for _, value := range c.List() {
		if filter == nil || filter(value) {
			return value, true
		}
	}
	return res, false
}

// ApplyAll runs apply for every value concurrently and waits for all of
// them. The store itself may be changed by apply.
func (c *memoryStore[T]) ApplyAll(apply StoreReducer[T]) {
	if apply == nil {
		return
	}

	wg := new(sync.WaitGroup)
	for _, value := range c.List() {
		wg.Add(1)

		go func(value T) {
			defer wg.Done()
			apply(value)
		}(value)
	}

	wg.Wait()
}
