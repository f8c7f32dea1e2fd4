package main

import (
	"strings"
	"testing"
)

func TestRunRequiresDatabase(t *testing.T) {
	t.Setenv(dsnEnv, "")
	err := run([]string{"up"})
	if err == nil || !strings.Contains(err.Error(), "-database") {
		t.Fatalf("expected missing database error, got %v", err)
	}
}

func TestRunRequiresCommand(t *testing.T) {
	err := run([]string{"-database", "postgres://localhost/waitroom"})
	if err == nil || !strings.Contains(err.Error(), "command required") {
		t.Fatalf("expected missing command error, got %v", err)
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	err := run([]string{"-database", "postgres://localhost/waitroom", "sideways"})
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("expected unknown command error, got %v", err)
	}
}

func TestDownRequiresPath(t *testing.T) {
	err := run([]string{"-database", "postgres://localhost/waitroom", "down"})
	if err == nil || !strings.Contains(err.Error(), "requires -path") {
		t.Fatalf("expected path error, got %v", err)
	}
}

func TestParseSteps(t *testing.T) {
	cases := []struct {
		args    []string
		want    int
		wantErr bool
	}{
		{args: nil, want: 1},
		{args: []string{"3"}, want: 3},
		{args: []string{"0"}, wantErr: true},
		{args: []string{"x"}, wantErr: true},
	}
	for _, tc := range cases {
		got, err := parseSteps(tc.args)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("parseSteps(%v) expected error", tc.args)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("parseSteps(%v) = %d, %v; want %d", tc.args, got, err, tc.want)
		}
	}
}
