package retention

import (
	"math"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestFromString(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{"", 1},
		{"   ", 1},
		{"7", 7},
		{" 30 ", 30},
		{"2.9", 2},
		{"0", 1},
		{"0.5", 1},
		{"-4", 1},
		{"365", 365},
		{"366", 365},
		{"1e9", 365},
		{"NaN", 1},
		{"nan", 1},
		{"Inf", 1},
		{"-Inf", 1},
		{"+Infinity", 1},
		{"seven", 1},
		{"7d", 1},
	}

	for _, tt := range tests {
		t.Run(strconv.Quote(tt.raw), func(t *testing.T) {
			assert.Equal(t, tt.want, FromString(tt.raw).Days())
		})
	}
}

func TestNewClamps(t *testing.T) {
	assert.Equal(t, 1, New(-10).Days())
	assert.Equal(t, 14, New(14).Days())
	assert.Equal(t, 365, New(1000).Days())
	assert.Equal(t, DefaultDays, Policy{}.Days())
}

func TestDerivedValues(t *testing.T) {
	p := New(2)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 172800, p.MaxAgeSeconds())
	assert.Equal(t, 48*time.Hour, p.MaxAge())
	assert.Equal(t, time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC), p.ExpiryInstant(now))
	assert.Equal(t, time.Date(2026, 2, 27, 12, 0, 0, 0, time.UTC), p.Cutoff(now))

	assert.True(t, p.Expired(now.Add(-48*time.Hour), now))
	assert.True(t, p.Expired(now.Add(-72*time.Hour), now))
	assert.False(t, p.Expired(now.Add(-47*time.Hour), now))
}

// Property: any configured text yields a day count in [1, 365].
func TestFromStringAlwaysInRange(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var raw string
		switch rapid.IntRange(0, 2).Draw(t, "form") {
		case 0:
			raw = rapid.String().Draw(t, "text")
		case 1:
			raw = strconv.FormatFloat(rapid.Float64().Draw(t, "float"), 'g', -1, 64)
		default:
			raw = strconv.Itoa(rapid.Int().Draw(t, "int"))
		}

		days := FromString(raw).Days()
		if days < MinDays || days > MaxDays {
			t.Fatalf("FromString(%q) = %d", raw, days)
		}
	})
}

func TestFromStringNaNFloat(t *testing.T) {
	assert.Equal(t, 1, FromString(strconv.FormatFloat(math.NaN(), 'g', -1, 64)).Days())
}
