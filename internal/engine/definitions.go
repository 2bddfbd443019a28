package engine

import (
	"errors"
	"sync"
	"time"

	"github.com/xx70235/AstroPropose/internal/store"
	"github.com/xx70235/AstroPropose/internal/validation"
	"github.com/xx70235/AstroPropose/pkg/schema"
)

// DefinitionCache parses and validates each workflow definition once. An
// entry is reused while the workflow's updated_at is unchanged.
type DefinitionCache struct {
	validator validation.Validator

	mu      sync.RWMutex
	entries map[int64]cachedDefinition
}

type cachedDefinition struct {
	def       *schema.WorkflowDefinition
	updatedAt time.Time
}

// NewDefinitionCache creates a cache. A nil validator only decodes.
func NewDefinitionCache(v validation.Validator) *DefinitionCache {
	return &DefinitionCache{validator: v, entries: make(map[int64]cachedDefinition)}
}

// Get returns the decoded definition of wf.
func (c *DefinitionCache) Get(wf *store.Workflow) (*schema.WorkflowDefinition, error) {
	c.mu.RLock()
	entry, ok := c.entries[wf.ID]
	c.mu.RUnlock()
	if ok && entry.updatedAt.Equal(wf.UpdatedAt) {
		return entry.def, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[wf.ID]; ok && entry.updatedAt.Equal(wf.UpdatedAt) {
		return entry.def, nil
	}

	def, err := c.load(wf)
	if err != nil {
		return nil, err
	}
	c.entries[wf.ID] = cachedDefinition{def: def, updatedAt: wf.UpdatedAt}
	return def, nil
}

// Invalidate drops the cached definition of a workflow.
func (c *DefinitionCache) Invalidate(workflowID int64) {
	c.mu.Lock()
	delete(c.entries, workflowID)
	c.mu.Unlock()
}

func (c *DefinitionCache) load(wf *store.Workflow) (*schema.WorkflowDefinition, error) {
	if c.validator == nil {
		return schema.ParseDefinition(wf.Definition)
	}
	def, err := c.validator.Load(wf.Definition, wf.StateNames())
	if err != nil {
		var se *schema.Error
		if errors.As(err, &se) {
			details := map[string]any{"workflow_id": wf.ID}
			for k, v := range se.Details {
				details[k] = v
			}
			return nil, se.WithDetails(details)
		}
		return nil, err
	}
	return def, nil
}
