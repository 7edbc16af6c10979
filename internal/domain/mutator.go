package domain

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/richardliu001/permissions-service/internal/model"
)

// MaxNameLength bounds forename and surname, in characters.
const MaxNameLength = 100

type fields struct {
	Forename         string    `json:"forename" validate:"required,max=100"`
	Surname          string    `json:"surname" validate:"required,max=100"`
	PermissionTypeID uint64    `json:"permissionTypeId" validate:"required"`
	Date             time.Time `json:"date" validate:"required"`
}

// Mutator validates and applies permission state transitions. It performs no
// I/O; the permission type lookup belongs to the caller.
type Mutator struct {
	validate *validator.Validate
	now      func() time.Time
}

// NewMutator returns a Mutator stamping times from the wall clock.
func NewMutator() *Mutator {
	return NewMutatorWithClock(time.Now)
}

// NewMutatorWithClock lets tests pin the clock.
func NewMutatorWithClock(now func() time.Time) *Mutator {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" {
			return f.Name
		}
		return name
	})
	return &Mutator{validate: v, now: now}
}

// Create builds a new, not yet persisted permission.
func (m *Mutator) Create(forename, surname string, permissionTypeID uint64, date time.Time) (*model.Permission, error) {
	f, err := m.check(forename, surname, permissionTypeID, date)
	if err != nil {
		return nil, err
	}
	return &model.Permission{
		EmployeeForename: f.Forename,
		EmployeeSurname:  f.Surname,
		PermissionTypeID: f.PermissionTypeID,
		PermissionDate:   f.Date,
		CreatedAt:        m.now().UTC(),
	}, nil
}

// Apply replaces all four mutable fields of existing and stamps UpdatedAt.
// existing is not modified.
func (m *Mutator) Apply(existing model.Permission, forename, surname string, permissionTypeID uint64, date time.Time) (*model.Permission, error) {
	f, err := m.check(forename, surname, permissionTypeID, date)
	if err != nil {
		return nil, err
	}
	updated := existing
	updated.EmployeeForename = f.Forename
	updated.EmployeeSurname = f.Surname
	updated.PermissionTypeID = f.PermissionTypeID
	updated.PermissionDate = f.Date
	updated.PermissionType = nil

	now := m.now().UTC()
	if now.Before(existing.CreatedAt) {
		now = existing.CreatedAt
	}
	updated.UpdatedAt = &now
	return &updated, nil
}

func (m *Mutator) check(forename, surname string, permissionTypeID uint64, date time.Time) (fields, error) {
	f := fields{
		Forename:         strings.TrimSpace(forename),
		Surname:          strings.TrimSpace(surname),
		PermissionTypeID: permissionTypeID,
	}
	if !date.IsZero() {
		f.Date = model.TruncateDay(date)
	}
	if err := m.validate.Struct(f); err != nil {
		return fields{}, toValidationError(err)
	}
	return f, nil
}

func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ValidationError{Fields: map[string]string{"command": err.Error()}}
	}
	out := &ValidationError{Fields: make(map[string]string, len(verrs))}
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			out.Fields[fe.Field()] = "is required"
		case "max":
			out.Fields[fe.Field()] = "must be at most " + fe.Param() + " characters"
		default:
			out.Fields[fe.Field()] = "is invalid"
		}
	}
	return out
}
