package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSQLitePath(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"/var/lib/salonpipe/salonpipe.db", "/var/lib/salonpipe/salonpipe.db"},
		{"file:/var/lib/salonpipe/salonpipe.db?_busy_timeout=5000", "/var/lib/salonpipe/salonpipe.db"},
		{"file:data/salon.db", "data/salon.db"},
		{"./data//salon.db?_journal_mode=WAL", "data/salon.db"},
		{"file:?mode=memory", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SQLitePath(tt.dsn), tt.dsn)
	}
}
