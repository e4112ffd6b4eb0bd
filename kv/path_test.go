package kv

import (
	"errors"
	"testing"
)

func TestPathBuilders(t *testing.T) {
	tests := []struct {
		name string
		got  Path
		want string
	}{
		{"record", StreamRecord("123", "s1"), "stream/123/s1"},
		{"markers", Markers("123", "s1"), "stream/123/s1/marker"},
		{"marker", Marker("123", "s1", 1700000000123), "stream/123/s1/marker/1700000000123"},
		{"local state", LocalState("123"), "temp/stream/123"},
		{"temp", Temp("chat", "123"), "temp/chat/123"},
		{"secret", Secret("eventsub"), "secrets/eventsub"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got.String() != tt.want {
				t.Errorf("path = %q, want %q", tt.got.String(), tt.want)
			}
		})
	}
}

func TestPathValidate(t *testing.T) {
	for _, p := range []Path{nil, {}, {"stream", ""}, {"stream", "a/b"}, StreamRecord("", "s1")} {
		if err := p.Validate(); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("Validate(%q) = %v, want ErrInvalidPath", p.String(), err)
		}
	}
	if err := StreamRecord("1", "2").Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestPathParentChildName(t *testing.T) {
	p := Markers("c", "s")
	if p.Name() != "marker" {
		t.Errorf("Name() = %q", p.Name())
	}
	if p.Parent().String() != "stream/c/s" {
		t.Errorf("Parent() = %q", p.Parent().String())
	}
	child := p.Child("42")
	if child.String() != "stream/c/s/marker/42" || p.String() != "stream/c/s/marker" {
		t.Errorf("Child() mutated receiver or built wrong path: %q / %q", child, p)
	}
}

func TestLessKeyNumericOrder(t *testing.T) {
	if !lessKey("999", "1000") {
		t.Error("expected 999 < 1000")
	}
	if lessKey("1001", "1000") {
		t.Error("expected 1001 > 1000")
	}
}
