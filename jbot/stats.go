package jbot

import (
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// lastQuestionMaxLength caps each question shown in the daily report
const lastQuestionMaxLength = 100

// Stats accumulates activity counters between daily reports.
type Stats struct {
	totalReplies         int64
	totalDMs             int64
	unauthorizedAttempts int64
	serverQuestions      int64
	lastQuestions        map[string]string
	since                time.Time
	mu                   sync.Mutex
}

// StatsSnapshot is a point-in-time copy of [Stats]
type StatsSnapshot struct {
	TotalReplies         int64             `json:"total_replies"`
	TotalDMs             int64             `json:"total_dms"`
	UnauthorizedAttempts int64             `json:"unauthorized_attempts"`
	ServerQuestions      int64             `json:"server_questions"`
	LastQuestions        map[string]string `json:"last_questions"`
	Since                time.Time         `json:"since"`
}

func (s StatsSnapshot) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("total_replies", s.TotalReplies),
		slog.Int64("total_dms", s.TotalDMs),
		slog.Int64("unauthorized_attempts", s.UnauthorizedAttempts),
		slog.Int64("server_questions", s.ServerQuestions),
		slog.Int("users", len(s.LastQuestions)),
		slog.Time("since", s.Since),
	)
}

func NewStats(now time.Time) *Stats {
	return &Stats{lastQuestions: map[string]string{}, since: now}
}

func (s *Stats) IncrementReplies() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalReplies++
}

// RecordDM counts a permitted direct message and remembers the question
func (s *Stats) RecordDM(userID string, question string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalDMs++
	s.lastQuestions[userID] = question
}

func (s *Stats) IncrementUnauthorized() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unauthorizedAttempts++
}

// RecordServerQuestion counts a slash command question and remembers it
func (s *Stats) RecordServerQuestion(userID string, question string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverQuestions++
	s.lastQuestions[userID] = question
}

// Snapshot returns a copy of the current counters
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

func (s *Stats) snapshot() StatsSnapshot {
	return StatsSnapshot{
		TotalReplies:         s.totalReplies,
		TotalDMs:             s.totalDMs,
		UnauthorizedAttempts: s.unauthorizedAttempts,
		ServerQuestions:      s.serverQuestions,
		LastQuestions:        maps.Clone(s.lastQuestions),
		Since:                s.since,
	}
}

// Reset zeroes every counter and clears the question map, returning
// the values from before the reset. Both happen under one lock, so
// no increment is lost between reading and clearing.
func (s *Stats) Reset(now time.Time) StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.snapshot()
	s.totalReplies = 0
	s.totalDMs = 0
	s.unauthorizedAttempts = 0
	s.serverQuestions = 0
	s.lastQuestions = map[string]string{}
	s.since = now
	return prev
}

// ReportMessages formats the snapshot as the daily digest. The per-user
// questions are split across as many messages as needed to keep each
// message within maxLength characters, so no user is dropped.
func (s StatsSnapshot) ReportMessages(until time.Time, maxLength int) []string {
	sb := strings.Builder{}
	sb.WriteString("# 📊 Daily report\n")
	sb.WriteString(
		fmt.Sprintf(
			"-# %s → %s\n",
			s.Since.Format(time.DateTime),
			until.Format(time.DateTime),
		),
	)
	sb.WriteString(fmt.Sprintf("- replies: `%d`\n", s.TotalReplies))
	sb.WriteString(fmt.Sprintf("- direct messages: `%d`\n", s.TotalDMs))
	sb.WriteString(fmt.Sprintf("- unauthorized attempts: `%d`\n", s.UnauthorizedAttempts))
	sb.WriteString(fmt.Sprintf("- server questions: `%d`\n", s.ServerQuestions))

	sb.WriteString("## Last question per user\n")
	if len(s.LastQuestions) == 0 {
		sb.WriteString("(none)\n")
		return []string{sb.String()}
	}

	var messages []string
	length := utf8.RuneCountInString(sb.String())
	for _, userID := range sortedKeys(s.LastQuestions) {
		q := strings.ReplaceAll(truncate(s.LastQuestions[userID], lastQuestionMaxLength), "`", " ")
		line := fmt.Sprintf("- <@%s>: `%s`\n", userID, q)
		lineLength := utf8.RuneCountInString(line)
		if length > 0 && length+lineLength > maxLength {
			messages = append(messages, sb.String())
			sb.Reset()
			length = 0
		}
		sb.WriteString(line)
		length += lineLength
	}
	return append(messages, sb.String())
}
