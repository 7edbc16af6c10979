package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ValidationError rejects a command whose fields break the aggregate's rules.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+" "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Resource names what a NotFoundError could not find.
type Resource string

const (
	ResourcePermission     Resource = "permission"
	ResourcePermissionType Resource = "permission_type"
	ResourceOutboxMessage  Resource = "outbox_message"
)

// NotFoundError reports a missing aggregate or a dangling reference.
type NotFoundError struct {
	Resource Resource
	ID       uint64
}

func (e *NotFoundError) Error() string {
	switch e.Resource {
	case ResourcePermission:
		return fmt.Sprintf("permission with id %d was not found", e.ID)
	case ResourcePermissionType:
		return fmt.Sprintf("permission type with id %d was not found", e.ID)
	default:
		return fmt.Sprintf("%s with id %d was not found", e.Resource, e.ID)
	}
}

// PermissionNotFound is the NotFoundError for a missing aggregate.
func PermissionNotFound(id uint64) error {
	return &NotFoundError{Resource: ResourcePermission, ID: id}
}

// TypeNotFound is the NotFoundError for a permission type reference that does not resolve.
func TypeNotFound(id uint64) error {
	return &NotFoundError{Resource: ResourcePermissionType, ID: id}
}

// IsTypeNotFound reports whether err is a dangling permission type reference.
func IsTypeNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf) && nf.Resource == ResourcePermissionType
}

// ConflictError means a concurrent writer won the race on the same permission.
// The caller may resubmit.
type ConflictError struct {
	ID  uint64
	Err error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("permission %d was modified concurrently: %v", e.ID, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }
