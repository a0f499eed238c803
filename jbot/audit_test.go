package jbot

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditChannels_ChannelID(t *testing.T) {
	b := newTestBot(t, nil, "")
	expected := map[auditKind]string{
		auditUnauthorizedDM: testChannelUnauthorized,
		auditImageLog:       testChannelImageLog,
		auditDMLog:          testChannelDMLog,
		auditFeedbackLog:    testChannelFeedbackLog,
		auditServerLog:      testChannelServerLog,
		auditDailyReport:    testChannelDailyReport,
	}
	for kind, channelID := range expected {
		assert.Equal(t, channelID, b.audit.channelID(kind), kind.String())
	}
	assert.Empty(t, b.audit.channelID(auditKind(99)))
	assert.Equal(t, "unknown", auditKind(99).String())
}

func TestAuditChannels_Send(t *testing.T) {
	b := newTestBot(t, nil, "")

	long := strings.Repeat("x", discordMaxMessageLength*2)
	require.True(t, b.audit.send(context.Background(), auditServerLog, long))

	sent := b.session.sentTo(testChannelServerLog)
	require.Len(t, sent, 1)
	assert.LessOrEqual(t, len(sent[0].Data.Content), discordMaxMessageLength)

	// mentions in audit messages don't ping anyone
	require.NotNil(t, sent[0].Data.AllowedMentions)
	assert.Empty(t, sent[0].Data.AllowedMentions.Parse)
	assert.Empty(t, sent[0].Data.AllowedMentions.Users)
}

func TestAuditChannels_NotConfigured(t *testing.T) {
	cfg := newTestConfig()
	cfg.Channels.ImageLog = ""
	b := newTestBot(t, cfg, "")

	assert.False(t, b.audit.send(context.Background(), auditImageLog, "hello"))
	assert.Empty(t, b.session.sent())
}

func TestAuditChannels_SendError(t *testing.T) {
	b := newTestBot(t, nil, "")
	b.session.sendErr = errors.New("missing permissions")

	assert.False(t, b.audit.send(context.Background(), auditDMLog, "hello"))
}
