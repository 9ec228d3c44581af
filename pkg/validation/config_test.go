package validation

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestConfigValidator_Required(t *testing.T) {
	cv := NewConfigValidator("node")
	cv.Required("name", "")

	if !cv.HasErrors() {
		t.Error("Expected error for empty required field")
	}

	cv2 := NewConfigValidator("node")
	cv2.Required("name", "broker-1")

	if cv2.HasErrors() {
		t.Error("Expected no error for non-empty required field")
	}
}

func TestConfigValidator_RangeInt(t *testing.T) {
	tests := []struct {
		name      string
		value     int
		min       int
		max       int
		expectErr bool
	}{
		{"in range", 5, 1, 10, false},
		{"at min", 1, 1, 10, false},
		{"at max", 10, 1, 10, false},
		{"below min", 0, 1, 10, true},
		{"above max", 11, 1, 10, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cv := NewConfigValidator("ha")
			cv.RangeInt("max_backups", tt.value, tt.min, tt.max)
			if cv.HasErrors() != tt.expectErr {
				t.Errorf("RangeInt(%d, %d, %d) error = %v, want %v", tt.value, tt.min, tt.max, cv.HasErrors(), tt.expectErr)
			}
		})
	}
}

func TestConfigValidator_Retries(t *testing.T) {
	tests := []struct {
		value     int
		expectErr bool
	}{
		{-2, true},
		{-1, false},
		{0, false},
		{5, false},
	}

	for _, tt := range tests {
		cv := NewConfigValidator("ha")
		cv.Retries("backup_request_retries", tt.value)
		if cv.HasErrors() != tt.expectErr {
			t.Errorf("Retries(%d) error = %v, want %v", tt.value, cv.HasErrors(), tt.expectErr)
		}
	}
}

func TestConfigValidator_HostPort(t *testing.T) {
	tests := []struct {
		addr      string
		expectErr bool
	}{
		{"localhost:61616", false},
		{"10.0.0.1:5672", false},
		{"localhost", true},
		{"localhost:0", true},
		{"localhost:http", true},
		{"", true},
	}

	for _, tt := range tests {
		cv := NewConfigValidator("node")
		cv.HostPort("cluster_addr", tt.addr)
		if cv.HasErrors() != tt.expectErr {
			t.Errorf("HostPort(%q) error = %v, want %v", tt.addr, cv.HasErrors(), tt.expectErr)
		}
	}
}

func TestConfigValidator_Distinct(t *testing.T) {
	cv := NewConfigValidator("storage")
	cv.Distinct("dirs", map[string]string{
		"journal":  "/data/journal",
		"bindings": "/data/bindings",
		"paging":   "/data/journal",
		"large":    "",
	})

	if !cv.HasErrors() {
		t.Fatal("Expected error for clashing directories")
	}
	if len(cv.Errors()) != 1 {
		t.Errorf("Expected 1 error, got %d", len(cv.Errors()))
	}
	if !strings.Contains(cv.Errors()[0].Error(), "/data/journal") {
		t.Errorf("Expected clash path in error, got %v", cv.Errors()[0])
	}

	cv2 := NewConfigValidator("storage")
	cv2.Distinct("dirs", map[string]string{"a": "/x", "b": "/y", "c": "", "d": ""})
	if cv2.HasErrors() {
		t.Errorf("Expected no error, got %v", cv2.Validate())
	}
}

func TestConfigValidator_OneOf(t *testing.T) {
	cv := NewConfigValidator("ha")
	cv.OneOf("strategy", "PARTIAL", []string{"FULL", "SCALE_DOWN"})
	if !cv.HasErrors() {
		t.Error("Expected error for value outside allowed set")
	}

	cv2 := NewConfigValidator("ha")
	cv2.OneOf("strategy", "FULL", []string{"FULL", "SCALE_DOWN"})
	if cv2.HasErrors() {
		t.Error("Expected no error for allowed value")
	}
}

func TestConfigValidator_CustomAndWhen(t *testing.T) {
	sentinel := errors.New("colocated policy needs a port offset")

	cv := NewConfigValidator("ha").
		When(true, func(v *ConfigValidator) {
			v.Custom("backup_port_offset", func() error { return sentinel })
		}).
		When(false, func(v *ConfigValidator) {
			v.Required("never", "")
		})

	if len(cv.Errors()) != 1 {
		t.Fatalf("Expected 1 error, got %d", len(cv.Errors()))
	}
	if !errors.Is(cv.Validate(), sentinel) {
		t.Error("Expected Validate() to wrap custom error")
	}
}

func TestConfigValidator_ValidateCollectsAll(t *testing.T) {
	err := NewConfigValidator("quorum").
		MinDuration("vote_timeout", 0, time.Millisecond).
		MinInt("size", -1, 0).
		Validate()

	if err == nil {
		t.Fatal("Expected error")
	}
	if !strings.Contains(err.Error(), "vote_timeout") || !strings.Contains(err.Error(), "size") {
		t.Errorf("Expected both fields in error, got %v", err)
	}

	if NewConfigValidator("quorum").Validate() != nil {
		t.Error("Expected nil error from empty validator")
	}
}

func TestDefaultOr(t *testing.T) {
	if got := DefaultOr("", "node"); got != "node" {
		t.Errorf("DefaultOr empty = %q, want node", got)
	}
	if got := DefaultOr("x", "node"); got != "x" {
		t.Errorf("DefaultOr = %q, want x", got)
	}
	if got := DefaultOrInt(-1, 3); got != 3 {
		t.Errorf("DefaultOrInt = %d, want 3", got)
	}
	if got := DefaultOrDuration(0, time.Second); got != time.Second {
		t.Errorf("DefaultOrDuration = %v, want 1s", got)
	}
}
