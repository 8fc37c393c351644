// Package registry maps logical module names to their static metadata.
//
// The table is built once at initialization; names are never derived from
// type information at runtime.
package registry

import (
	"sort"
	"sync"

	"github.com/Sternrassler/crm-records-client/pkg/crmerr"
)

// API method names.
const (
	MethodGetRecords     = "getRecords"
	MethodGetRecordByID  = "getRecordById"
	MethodGetMyRecords   = "getMyRecords"
	MethodSearchRecords  = "searchRecords"
	MethodGetFields      = "getFields"
	MethodGetDeletedIDs  = "getDeletedRecordIds"
	MethodGetRelated     = "getRelatedRecords"
	MethodInsertRecords  = "insertRecords"
	MethodUpdateRecords  = "updateRecords"
	MethodDeleteRecords  = "deleteRecords"
	MethodGetUsers       = "getUsers"
	MethodGetSearchByPDC = "getSearchRecordsByPDC"
	MethodDeleteFile     = "deleteFile"
)

// DefaultIdentifierField is used for modules without an explicit primary key.
const DefaultIdentifierField = "id"

// Module is the static description of one API module.
type Module struct {
	// Name is the module name used in request paths.
	Name string
	// Entity is the singular record type name.
	Entity string
	// PrimaryKey identifies a single record in a response envelope.
	PrimaryKey string
	// Methods lists the API methods the module supports.
	Methods []string
}

// Supports reports whether the module accepts method.
func (m Module) Supports(method string) bool {
	for _, candidate := range m.Methods {
		if candidate == method {
			return true
		}
	}
	return false
}

// IdentifierField returns PrimaryKey or the default identifier field.
func (m Module) IdentifierField() string {
	if m.PrimaryKey == "" {
		return DefaultIdentifierField
	}
	return m.PrimaryKey
}

// Registry is a concurrency-safe module table.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
}

// New creates a registry holding modules.
func New(modules ...Module) *Registry {
	r := &Registry{modules: make(map[string]Module, len(modules))}
	for _, m := range modules {
		r.modules[m.Name] = m
	}
	return r
}

// Register adds or replaces a module.
func (r *Registry) Register(m Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[m.Name] = m
}

// Lookup returns the module called name.
func (r *Registry) Lookup(name string) (Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	if !ok {
		return Module{}, crmerr.Invalid("module", name, "module "+name+" not found")
	}
	return m, nil
}

// Validate checks that module exists and supports method.
func (r *Registry) Validate(module, method string) (Module, error) {
	m, err := r.Lookup(module)
	if err != nil {
		return Module{}, err
	}
	if !m.Supports(method) {
		return Module{}, crmerr.Invalid("method", method, "module "+module+" does not support "+method)
	}
	return m, nil
}

// Names returns the registered module names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var recordMethods = []string{
	MethodGetFields,
	MethodGetRecordByID,
	MethodGetRecords,
	MethodGetMyRecords,
	MethodSearchRecords,
	MethodInsertRecords,
	MethodUpdateRecords,
	MethodDeleteRecords,
	MethodGetDeletedIDs,
	MethodGetRelated,
	MethodGetSearchByPDC,
	MethodDeleteFile,
}

// Default returns a registry with the standard CRM record modules.
func Default() *Registry {
	return New(
		Module{Name: "Leads", Entity: "Lead", PrimaryKey: "id", Methods: recordMethods},
		Module{Name: "Contacts", Entity: "Contact", PrimaryKey: "id", Methods: recordMethods},
		Module{Name: "Accounts", Entity: "Account", PrimaryKey: "id", Methods: recordMethods},
		Module{Name: "Deals", Entity: "Deal", PrimaryKey: "id", Methods: recordMethods},
		Module{Name: "Potentials", Entity: "Potential", PrimaryKey: "POTENTIALID", Methods: recordMethods},
		Module{Name: "Products", Entity: "Product", PrimaryKey: "id", Methods: recordMethods},
		Module{Name: "Users", Entity: "User", PrimaryKey: "id", Methods: []string{MethodGetUsers, MethodGetRecords}},
	)
}
