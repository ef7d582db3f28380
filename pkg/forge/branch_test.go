package forge

import (
	"strings"
	"testing"
	"time"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		title string
		want  string
	}{
		{"Fix checkout button", "fix-checkout-button"},
		{"  Handle  NULL values!! ", "handle-null-values"},
		{"Ünïcode stripped", "ncode-stripped"},
		{"Fix 日本語 title", "fix-title"},
		{"tab\tjoined", "tabjoined"},
		{"!!!", "fix"},
		{"", "fix"},
		{"this title is definitely longer than thirty characters", "this-title-is-definitely-longe"},
		{"abcdefghijklmnopqrstuvwxyz abcd efg", "abcdefghijklmnopqrstuvwxyz-abc"},
		{"abcdefghijklmnopqrstuvwxyzabc d", "abcdefghijklmnopqrstuvwxyzabc"},
	}
	for _, tt := range tests {
		if got := Slugify(tt.title); got != tt.want {
			t.Errorf("Slugify(%q) = %q, want %q", tt.title, got, tt.want)
		}
		if len(Slugify(tt.title)) > maxSlugLength {
			t.Errorf("Slugify(%q) exceeds %d characters", tt.title, maxSlugLength)
		}
	}
}

func TestBranchName(t *testing.T) {
	now := time.Unix(1700000000, 0)
	name := BranchName("Fix checkout button", now)
	if name != "darwin/fix-checkout-button-1700000000" {
		t.Errorf("Unexpected branch name %s", name)
	}
	if !strings.HasPrefix(name, BranchPrefix) {
		t.Errorf("Branch %s lacks prefix %s", name, BranchPrefix)
	}

	later := BranchName("Fix checkout button", now.Add(time.Second))
	if later == name {
		t.Error("Branch names for the same title one second apart must differ")
	}
}
