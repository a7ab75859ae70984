package cache

import "testing"

func TestKey(t *testing.T) {
	key := Key(OpRecommend, "cfg-1", "42", "10")
	if key != "recommend:cfg-1:42:10" {
		t.Errorf("unexpected key: %s", key)
	}

	key = Key(OpArtifact, "cfg-1", "active")
	if key != "artifact:cfg-1:active" {
		t.Errorf("unexpected key: %s", key)
	}
}

func TestKeyConfigID(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"recommend:cfg-1:42:10", "cfg-1"},
		{"artifact:cfg-1:active", "cfg-1"},
		{"similar:cfg-2:7:5", "cfg-2"},
		{"malformed", ""},
	}

	for _, tt := range tests {
		if got := keyConfigID(tt.key); got != tt.want {
			t.Errorf("keyConfigID(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}
