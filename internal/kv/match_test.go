package kv

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchPattern(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"crawler_session_meta_*", "crawler_session_meta_abc", true},
		{"crawler_session_meta_*", "crawler_session_urls_abc", false},
		{"stats_channel_?", "stats_channel_1", true},
		{"stats_channel_[ab]", "stats_channel_c", false},
		{"stats_channel_[", "stats_channel_[", false},
		{"meta_*", "meta_a/b", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchPattern(tt.pattern, tt.name), "%s vs %s", tt.pattern, tt.name)
	}
}
