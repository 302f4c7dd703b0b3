package logging

import (
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
)

func TestShortAddr(t *testing.T) {
	assert.Equal(t, "0x1234...abcd", ShortAddr("0x1234567890123456789012345678901234abcd"))
	assert.Equal(t, "unknown", ShortAddr(""))
	assert.Equal(t, "unknown", ShortAddr("0x12"))
}

func TestLevelFallback(t *testing.T) {
	assert.Equal(t, log.LvlDebug, level("debug"))
	assert.Equal(t, log.LvlError, level("error"))
	assert.Equal(t, log.LvlInfo, level("loud"))
}
