package sqlguard

import (
	"reflect"
	"testing"
)

func TestParseActions(t *testing.T) {
	tests := []struct {
		in      string
		want    Actions
		wantErr bool
	}{
		{"select", Actions{ActionSelect}, false},
		{" Select , UPDATE,select ", Actions{ActionSelect, ActionUpdate}, false},
		{"", nil, false},
		{"select,,delete", Actions{ActionSelect, ActionDelete}, false},
		{"drop", nil, true},
	}
	for _, tt := range tests {
		got, err := ParseActions(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseActions(%q) error = %v", tt.in, err)
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ParseActions(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{"valid", testPolicy(), false},
		{"unknown table action", Policy{"t": {Actions: Actions{"truncate"}}}, true},
		{"insert on column", Policy{"t": {
			Actions: Actions{ActionInsert},
			Columns: map[string]ColumnPolicy{"c": {Actions: Actions{ActionInsert}}},
		}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.policy.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPolicyMerge(t *testing.T) {
	reader := Policy{
		"user": {
			Actions:     Actions{ActionSelect},
			Description: "Accounts",
			Columns: map[string]ColumnPolicy{
				"name": {Actions: Actions{ActionSelect}, Type: "text"},
			},
		},
	}
	writer := Policy{
		"user": {
			Actions: Actions{ActionUpdate},
			Columns: map[string]ColumnPolicy{
				"name":  {Actions: Actions{ActionUpdate}, Description: "Display name"},
				"email": {Actions: Actions{ActionSelect}},
			},
		},
		"orders": {Actions: Actions{ActionInsert}},
	}

	merged := reader.Merge(writer)

	user := merged["user"]
	if !reflect.DeepEqual(user.Actions, Actions{ActionSelect, ActionUpdate}) {
		t.Errorf("user actions = %v", user.Actions)
	}
	if user.Description != "Accounts" {
		t.Errorf("description = %q", user.Description)
	}
	name := user.Columns["name"]
	if !reflect.DeepEqual(name.Actions, Actions{ActionSelect, ActionUpdate}) || name.Type != "text" || name.Description != "Display name" {
		t.Errorf("name column = %+v", name)
	}
	if _, ok := user.Columns["email"]; !ok {
		t.Error("email column missing")
	}
	if _, ok := merged["orders"]; !ok {
		t.Error("orders table missing")
	}

	// Inputs are left untouched.
	if len(reader["user"].Actions) != 1 || len(reader["user"].Columns) != 1 {
		t.Errorf("reader mutated: %+v", reader["user"])
	}
}

func TestPolicyTablesAndColumns(t *testing.T) {
	p := testPolicy()
	p["audit"] = TablePolicy{}

	tables := p.Tables()
	var names []string
	for _, ti := range tables {
		names = append(names, ti.Name)
	}
	if !reflect.DeepEqual(names, []string{"orders", "user"}) {
		t.Errorf("Tables() = %v", names)
	}

	cols, ok := p.Columns("orders")
	if !ok || len(cols) != 2 || cols[0].Name != "total" || cols[1].Name != "user_id" {
		t.Errorf("Columns(orders) = %+v, %v", cols, ok)
	}
	if _, ok := p.Columns("audit"); ok {
		t.Error("Columns(audit) reported columns")
	}
	if _, ok := p.Columns("missing"); ok {
		t.Error("Columns(missing) reported columns")
	}
}
