package db

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSchemaEmbedded(t *testing.T) {
	for _, table := range []string{"session_rooms", "session_participants", "recording_consents", "session_events"} {
		assert.Contains(t, schemaSQL, "CREATE TABLE IF NOT EXISTS "+table)
	}
}

func TestSchemaIsRerunnable(t *testing.T) {
	for _, line := range strings.Split(schemaSQL, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "CREATE TABLE") || strings.HasPrefix(trimmed, "CREATE INDEX") {
			assert.Contains(t, trimmed, "IF NOT EXISTS", trimmed)
		}
	}
}

func TestSchemaParticipantOrderTiebreak(t *testing.T) {
	assert.Contains(t, schemaSQL, "ADD COLUMN IF NOT EXISTS seq BIGSERIAL")
	assert.Contains(t, schemaSQL, "joined_at DESC, seq DESC")
}
