package util

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestContains(t *testing.T) {
	events := []string{"pointerdown", "keypress", "click"}
	tests := []struct {
		item string
		want bool
	}{
		{"click", true},
		{"keypress", true},
		{"hover", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.item, func(t *testing.T) {
			if got := Contains(events, tt.item); got != tt.want {
				t.Errorf("Contains(%q) = %v, want %v", tt.item, got, tt.want)
			}
		})
	}

	if Contains([]int(nil), 0) {
		t.Error("nil slice contains nothing")
	}
}

func TestMap(t *testing.T) {
	paths := Map([]string{"config.yaml", "config.json"}, func(name string) string {
		return filepath.Join("/etc", AppName, name)
	})
	want := []string{"/etc/gradtracer/config.yaml", "/etc/gradtracer/config.json"}
	if len(paths) != len(want) {
		t.Fatalf("Expected %d paths, got %d", len(want), len(paths))
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("paths[%d] = %q, want %q", i, paths[i], want[i])
		}
	}

	if got := Map([]string{}, strings.ToUpper); len(got) != 0 {
		t.Errorf("Expected empty result, got %v", got)
	}
}

func TestFindFirst(t *testing.T) {
	names := []string{"config.yaml", "config.yml", "config.json"}

	got, ok := FindFirst(names, func(n string) bool { return strings.HasSuffix(n, ".yml") })
	if !ok || got != "config.yml" {
		t.Errorf("Expected config.yml, got %q (%v)", got, ok)
	}

	got, ok = FindFirst(names, func(n string) bool { return strings.HasSuffix(n, ".toml") })
	if ok || got != "" {
		t.Errorf("Expected zero value and false, got %q (%v)", got, ok)
	}
}
