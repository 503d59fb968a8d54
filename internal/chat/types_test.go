package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func intPtr(v int) *int { return &v }

func TestEffectiveContextWindow(t *testing.T) {
	tests := []struct {
		name          string
		explicit      *int
		threadDefault *int
		want          int
	}{
		{"explicit wins", intPtr(32000), intPtr(64000), 32000},
		{"thread default when no explicit", nil, intPtr(64000), 64000},
		{"system default when nothing set", nil, nil, 128000},
		{"zero explicit falls through", intPtr(0), intPtr(64000), 64000},
		{"zero thread default falls through", nil, intPtr(0), 128000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EffectiveContextWindow(tt.explicit, tt.threadDefault, 128000)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestThreadArchived(t *testing.T) {
	th := Thread{ID: "t1", Title: "chat"}
	assert.False(t, th.Archived())

	now := time.Now()
	th.ArchivedAt = &now
	assert.True(t, th.Archived())
}
