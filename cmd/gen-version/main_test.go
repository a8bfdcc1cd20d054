package main

import (
	"strings"
	"testing"
)

func TestTagVersion(t *testing.T) {
	tests := []struct {
		describe string
		want     string
		ok       bool
	}{
		{"v0.3.0", "0.3.0", true},
		{"v0.3.1-4-gab12c-dirty", "0.3.1", true},
		{"1.2.0-2-g0f0f0", "1.2.0", true},
		{"ab12c", "", false},
		{"notag", "", false},
	}
	for _, tc := range tests {
		v, ok := tagVersion(tc.describe)
		if ok != tc.ok || (ok && v.String() != tc.want) {
			t.Errorf("tagVersion(%q) = %s, %t; expected %s, %t", tc.describe, v, ok, tc.want, tc.ok)
		}
	}
}

func TestRender(t *testing.T) {
	src := render("cebra", revision{describe: "v0.3.0-dirty", commitTime: "2026-01-02T03:04:05Z"})
	for _, want := range []string{"package cebra", `gitVersion = "v0.3.0-dirty"`, `gitCommitTime = "2026-01-02T03:04:05Z"`, "DO NOT EDIT"} {
		if !strings.Contains(src, want) {
			t.Errorf("generated code lacks %q:\n%s", want, src)
		}
	}
}
