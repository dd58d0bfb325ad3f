package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"+49 170 1112233", "+491701112233"},
		{"491701112233", "+491701112233"},
		{"0049-170-1112233", "+491701112233"},
		{"(030) 000-111", "+030000111"},
		{"", ""},
		{"abc", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizePhone(tt.in))
		})
	}
}

func TestPhoneVariants(t *testing.T) {
	got := PhoneVariants("+4930000111")
	assert.Equal(t, []string{"+4930000111", "4930000111"}, got)

	got = PhoneVariants("04930000111")
	assert.Contains(t, got, "+04930000111")
	assert.Contains(t, got, "04930000111")
	assert.Contains(t, got, "4930000111")
	assert.Contains(t, got, "+4930000111")
	seen := map[string]bool{}
	for _, v := range got {
		assert.False(t, seen[v], "duplicate variant %q", v)
		seen[v] = true
	}

	assert.Empty(t, PhoneVariants(""))
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("SP_TEST_DURATION", "45")
	assert.Equal(t, 45*time.Second, ParseDurationEnv("SP_TEST_DURATION", time.Second))
	t.Setenv("SP_TEST_DURATION", "2m")
	assert.Equal(t, 2*time.Minute, ParseDurationEnv("SP_TEST_DURATION", time.Second))
	t.Setenv("SP_TEST_DURATION", "bogus")
	assert.Equal(t, time.Second, ParseDurationEnv("SP_TEST_DURATION", time.Second))
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("SP_TEST_INT", "7")
	assert.Equal(t, 7, ParseIntEnv("SP_TEST_INT", 3))
	t.Setenv("SP_TEST_INT", "x")
	assert.Equal(t, 3, ParseIntEnv("SP_TEST_INT", 3))
}

func TestParseBoolEnv(t *testing.T) {
	t.Setenv("SP_TEST_BOOL", "on")
	assert.True(t, ParseBoolEnv("SP_TEST_BOOL", false))
	t.Setenv("SP_TEST_BOOL", "maybe")
	assert.False(t, ParseBoolEnv("SP_TEST_BOOL", false))
}
