package ws

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncateReason(t *testing.T) {
	short := "slow consumer"
	assert.Equal(t, short, truncateReason(short))

	ascii := strings.Repeat("x", maxCloseReason+10)
	assert.Len(t, truncateReason(ascii), maxCloseReason)

	// "é" is two bytes; with an odd prefix the limit lands inside one.
	accented := "x" + strings.Repeat("é", maxCloseReason)
	got := truncateReason(accented)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), maxCloseReason)
	assert.Equal(t, maxCloseReason-1, len(got))
}
