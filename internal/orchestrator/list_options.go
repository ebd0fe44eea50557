package orchestrator

import (
	"strings"
	"time"
)

// SortOrder defines how results should be ordered when listing workflows.
type SortOrder int

const (
	// SortByCreatedDesc orders workflows by CreatedAt descending (most recent first).
	SortByCreatedDesc SortOrder = iota
	// SortByCreatedAsc orders workflows by CreatedAt ascending (oldest first).
	SortByCreatedAsc
)

// ListOptions controls how workflows are selected when querying the store.
type ListOptions struct {
	Limit      int
	Offset     int
	Statuses   []Status
	CreatedGTE time.Time
	CreatedLTE time.Time
	AgentID    string
	Capability string
	TaskType   string
	Order      SortOrder
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
	if opts.Order != SortByCreatedAsc {
		opts.Order = SortByCreatedDesc
	}
	opts.AgentID = strings.TrimSpace(opts.AgentID)
	opts.Capability = strings.TrimSpace(opts.Capability)
	opts.TaskType = strings.TrimSpace(opts.TaskType)
}

// matches reports whether the workflow passes every filter. Limit and offset are ignored.
func (opts ListOptions) matches(wf *Workflow) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if wf.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if !opts.CreatedGTE.IsZero() && wf.CreatedAt.Before(opts.CreatedGTE) {
		return false
	}
	if !opts.CreatedLTE.IsZero() && wf.CreatedAt.After(opts.CreatedLTE) {
		return false
	}
	if opts.AgentID != "" && !wf.HasAgent(opts.AgentID) {
		return false
	}
	if opts.Capability != "" {
		if _, ok := wf.Agents[opts.Capability]; !ok {
			return false
		}
	}
	if opts.TaskType != "" && wf.Task.Type != opts.TaskType {
		return false
	}
	return true
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of workflows returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching workflows before returning results.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithStatuses filters workflows by the provided statuses.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithCreatedSince filters workflows created at or after the provided instant.
func WithCreatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		opts.CreatedGTE = ts
	}
}

// WithCreatedUntil filters workflows created at or before the provided instant.
func WithCreatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		opts.CreatedLTE = ts
	}
}

// WithAgent keeps workflows that assigned at least one capability to the agent.
func WithAgent(agentID string) ListOption {
	return func(opts *ListOptions) {
		opts.AgentID = agentID
	}
}

// WithCapability keeps workflows that required the capability.
func WithCapability(capability string) ListOption {
	return func(opts *ListOptions) {
		opts.Capability = capability
	}
}

// WithTaskType keeps workflows created from the given task type.
func WithTaskType(taskType string) ListOption {
	return func(opts *ListOptions) {
		opts.TaskType = taskType
	}
}

// WithSortOrder changes the returned order of workflows.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// buildListOptions applies option functions on top of defaults.
func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStatuses(input []Status) []Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Status]struct{}, len(input))
	result := make([]Status, 0, len(input))
	for _, status := range input {
		if !IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
