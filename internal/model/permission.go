package model

import "time"

// Permission is the aggregate root: one leave request for one employee.
type Permission struct {
	ID               uint64          `gorm:"primaryKey;column:id"`
	EmployeeForename string          `gorm:"size:100;not null;index:idx_permission_employee,priority:1"`
	EmployeeSurname  string          `gorm:"size:100;not null;index:idx_permission_employee,priority:2"`
	PermissionTypeID uint64          `gorm:"not null;index"`
	PermissionType   *PermissionType `gorm:"foreignKey:PermissionTypeID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
	PermissionDate   time.Time       `gorm:"type:date;not null;index"`
	CreatedAt        time.Time       `gorm:"not null"`
	UpdatedAt        *time.Time      `gorm:"autoUpdateTime:false"`
	Version          uint64          `gorm:"not null;default:0"`
}

func (Permission) TableName() string { return "permission" }

// FullName is the display name stored in the search document.
func (p Permission) FullName() string {
	return p.EmployeeForename + " " + p.EmployeeSurname
}

// PermissionType is reference data; rows are seeded and never mutated here.
type PermissionType struct {
	ID          uint64 `gorm:"primaryKey;column:id"`
	Description string `gorm:"size:200;not null;uniqueIndex"`
}

func (PermissionType) TableName() string { return "permission_type" }

// DefaultPermissionTypes is the seed set inserted at server start.
var DefaultPermissionTypes = []PermissionType{
	{ID: 1, Description: "Vacation Leave"},
	{ID: 2, Description: "Sick Leave"},
	{ID: 3, Description: "Personal Leave"},
	{ID: 4, Description: "Maternity/Paternity Leave"},
	{ID: 5, Description: "Emergency Leave"},
}

// PermissionSnapshot is the denormalized view shared by the read path, the
// outbox payload and the search document.
type PermissionSnapshot struct {
	ID                        uint64     `json:"id"`
	EmployeeForename          string     `json:"forename"`
	EmployeeSurname           string     `json:"surname"`
	PermissionTypeID          uint64     `json:"permissionTypeId"`
	PermissionTypeDescription string     `json:"permissionTypeDescription"`
	PermissionDate            Date       `json:"date"`
	CreatedAt                 time.Time  `json:"createdAt"`
	UpdatedAt                 *time.Time `json:"updatedAt"`
}

// NewSnapshot joins a permission with its type. pt may be nil when the type row
// is not at hand; the description is then left empty.
func NewSnapshot(p Permission, pt *PermissionType) PermissionSnapshot {
	s := PermissionSnapshot{
		ID:               p.ID,
		EmployeeForename: p.EmployeeForename,
		EmployeeSurname:  p.EmployeeSurname,
		PermissionTypeID: p.PermissionTypeID,
		PermissionDate:   NewDate(p.PermissionDate),
		CreatedAt:        p.CreatedAt.UTC(),
	}
	if p.UpdatedAt != nil {
		u := p.UpdatedAt.UTC()
		s.UpdatedAt = &u
	}
	if pt == nil {
		pt = p.PermissionType
	}
	if pt != nil {
		s.PermissionTypeDescription = pt.Description
	}
	return s
}

// PermissionFilter narrows ListPermissions. Zero fields are ignored.
type PermissionFilter struct {
	EmployeeName     string
	PermissionTypeID uint64
	FromDate         *time.Time
	ToDate           *time.Time
}
