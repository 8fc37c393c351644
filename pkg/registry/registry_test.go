package registry

import (
	"errors"
	"testing"

	"github.com/Sternrassler/crm-records-client/pkg/crmerr"
)

func TestDefault_Lookup(t *testing.T) {
	r := Default()

	m, err := r.Lookup("Potentials")
	if err != nil {
		t.Fatalf("Lookup(Potentials) error = %v", err)
	}
	if m.IdentifierField() != "POTENTIALID" {
		t.Errorf("IdentifierField() = %q, want POTENTIALID", m.IdentifierField())
	}

	_, err = r.Lookup("Spaceships")
	var vErr *crmerr.ValidationError
	if !errors.As(err, &vErr) {
		t.Errorf("Lookup(Spaceships) error = %v, want ValidationError", err)
	}
}

func TestValidate(t *testing.T) {
	r := Default()
	tests := []struct {
		name    string
		module  string
		method  string
		wantErr bool
	}{
		{name: "supported", module: "Leads", method: MethodGetRecords},
		{name: "unsupported method", module: "Users", method: MethodDeleteFile, wantErr: true},
		{name: "unknown module", module: "Nope", method: MethodGetRecords, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Validate(tt.module, tt.method)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%q, %q) error = %v, wantErr %v", tt.module, tt.method, err, tt.wantErr)
			}
		})
	}
}

func TestRegister_Replaces(t *testing.T) {
	r := New()
	r.Register(Module{Name: "Custom", Methods: []string{MethodGetRecords}})

	m, err := r.Lookup("Custom")
	if err != nil {
		t.Fatalf("Lookup(Custom) error = %v", err)
	}
	if m.IdentifierField() != DefaultIdentifierField {
		t.Errorf("IdentifierField() = %q, want %q", m.IdentifierField(), DefaultIdentifierField)
	}
	if names := r.Names(); len(names) != 1 || names[0] != "Custom" {
		t.Errorf("Names() = %v", names)
	}
}
