package plugin

import (
	"context"
	"errors"
	"testing"

	"firestige.xyz/meshtap/internal/core"
)

type mockReporter struct {
	name string
}

func (m *mockReporter) Name() string                             { return m.name }
func (m *mockReporter) Init(map[string]any) error                { return nil }
func (m *mockReporter) Start(context.Context) error              { return nil }
func (m *mockReporter) Stop(context.Context) error               { return nil }
func (m *mockReporter) Report(context.Context, core.Event) error { return nil }
func (m *mockReporter) Flush(context.Context) error              { return nil }

func TestRegisterAndGetReporter(t *testing.T) {
	reporterReg.Reset()

	RegisterReporter("test_rep", func() Reporter {
		return &mockReporter{name: "test_rep"}
	})

	factory, err := GetReporterFactory("test_rep")
	if err != nil {
		t.Fatalf("GetReporterFactory failed: %v", err)
	}

	instance := factory()
	if instance.Name() != "test_rep" {
		t.Errorf("Expected name 'test_rep', got %s", instance.Name())
	}
}

func TestGetNotFoundReturnsError(t *testing.T) {
	reporterReg.Reset()

	_, err := GetReporterFactory("nonexistent")
	if err == nil {
		t.Fatal("Expected error for nonexistent reporter")
	}
	if !errors.Is(err, core.ErrPluginNotFound) {
		t.Errorf("Expected ErrPluginNotFound, got %v", err)
	}
}

func TestRegisterPanics(t *testing.T) {
	tests := map[string]func(){
		"duplicate": func() {
			RegisterReporter("dup", func() Reporter { return &mockReporter{name: "dup"} })
			RegisterReporter("dup", func() Reporter { return &mockReporter{name: "dup"} })
		},
		"empty name": func() {
			RegisterReporter("", func() Reporter { return &mockReporter{} })
		},
		"nil factory": func() {
			RegisterReporter("nil", nil)
		},
	}

	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			reporterReg.Reset()
			defer func() {
				if r := recover(); r == nil {
					t.Errorf("Expected panic for %s registration", name)
				}
			}()
			fn()
		})
	}
}

func TestListReporters(t *testing.T) {
	reporterReg.Reset()

	RegisterReporter("rep_c", func() Reporter { return &mockReporter{name: "rep_c"} })
	RegisterReporter("rep_a", func() Reporter { return &mockReporter{name: "rep_a"} })
	RegisterReporter("rep_b", func() Reporter { return &mockReporter{name: "rep_b"} })

	list := ListReporters()
	if len(list) != 3 {
		t.Fatalf("Expected 3 reporters, got %d", len(list))
	}
	if list[0] != "rep_a" || list[1] != "rep_b" || list[2] != "rep_c" {
		t.Errorf("Expected sorted [rep_a, rep_b, rep_c], got %v", list)
	}

	reporterReg.Reset()
	if len(ListReporters()) != 0 {
		t.Error("Expected empty list after reset")
	}
}
