package jbot

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
)

// shortenString reduces the size of the input string to a specified limit.
//
// This function attempts to minimize the input string by removing double newlines
// and asterisks. If the string is still too long, it truncates the string and appends
// a suffix indicating that the output limit was reached.
func shortenString(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	s = strings.ReplaceAll(s, "\n\n", "\n")
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	s = strings.ReplaceAll(s, "**", "")
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	suffix := "\n\n**(output limit reached)**"
	suffixChars := []rune(suffix)
	if limit-len(suffixChars) <= 0 {
		return strings.TrimSpace(string([]rune(s)[:limit]))
	}

	return strings.TrimSpace(
		fmt.Sprintf(
			"%s%s",
			string([]rune(s)[:limit-len(suffixChars)]),
			suffix,
		),
	)
}

// truncate shortens the input string to a specified number of characters.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// discordInteractionOptions extracts the interaction options from a
// Discord interaction, keyed by option name.
func discordInteractionOptions(
	i *discordgo.InteractionCreate,
) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	options := i.ApplicationCommandData().Options
	optionMap := make(
		map[string]*discordgo.ApplicationCommandInteractionDataOption,
		len(options),
	)
	for _, option := range options {
		optionMap[option.Name] = option
	}
	return optionMap
}

// getDiscordUser returns the [discordgo.User] associated with the interaction.
// Users don't always appear in the same place in the interaction object, so
// this checks known areas.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}

// messageAuthor returns the author of a message, falling back to the
// guild member's user
func messageAuthor(m *discordgo.Message) *discordgo.User {
	user := m.Author
	if user == nil && m.Member != nil {
		user = m.Member.User
	}
	return user
}

func generateRandomHexString(length int) (string, error) {
	bytes := make([]byte, length/2)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// chunkItems splits items into rows of at most maxRowLength
func chunkItems[T any](maxRowLength int, items ...T) [][]T {
	var rows [][]T
	for maxRowLength < len(items) {
		items, rows = items[maxRowLength:], append(rows, items[0:maxRowLength:maxRowLength])
	}
	if len(items) > 0 {
		rows = append(rows, items)
	}
	return rows
}

func interactionLogAttrs(i discordgo.InteractionCreate) []any {
	logAttrs := []any{
		"id", i.ID,
		"type", i.Type.String(),
	}
	if i.ChannelID != "" {
		logAttrs = append(logAttrs, "channel_id", i.ChannelID)
	}
	if i.GuildID != "" {
		logAttrs = append(logAttrs, "guild_id", i.GuildID)
	}
	return logAttrs
}

func userLogAttrs(u *discordgo.User) []any {
	if u == nil {
		return nil
	}
	return []any{
		"id", u.ID,
		"username", u.Username,
		"global_name", u.GlobalName,
	}
}

// structToSlogValue converts a struct to a slog.Value, using the struct's
// JSON tag as the key for each field, if set.
// If the `log` tag is set, the value specified will override the
// field's actual value. Ex: `log:"REDACTED"` will cause "REDACTED" to
// be shown as the field's value.
func structToSlogValue(v any) slog.Value {
	typ := reflect.TypeOf(v)
	if typ == nil {
		return slog.AnyValue(nil)
	}
	val := reflect.ValueOf(v)

	if typ.Kind() == reflect.Ptr {
		if val.IsNil() {
			return slog.AnyValue(nil)
		}
		val = val.Elem()
		typ = typ.Elem()
	}

	if typ.Kind() != reflect.Struct {
		return slog.AnyValue(v)
	}

	var groupAttrs []slog.Attr

	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		jsonTag, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if jsonTag == "-" {
			jsonTag = ""
		}
		if jsonTag == "" {
			jsonTag = field.Name
		}

		fv := val.Field(i)
		if !fv.CanInterface() {
			continue
		}

		if logTag := field.Tag.Get("log"); logTag != "" {
			groupAttrs = append(
				groupAttrs,
				slog.Attr{Key: jsonTag, Value: slog.StringValue(logTag)},
			)
			continue
		}

		// skip values that are nil or empty
		skip := false
		switch fv.Kind() {
		case reflect.Ptr:
			skip = fv.IsNil()
		case reflect.Map, reflect.Slice:
			skip = fv.IsNil() || fv.Len() == 0
		case reflect.String:
			skip = fv.Len() == 0
		}
		if skip {
			continue
		}

		// LevelVar and friends know how to log themselves
		if lv, ok := fv.Interface().(slog.Leveler); ok {
			groupAttrs = append(groupAttrs, slog.String(jsonTag, lv.Level().String()))
			continue
		}

		groupAttrs = append(
			groupAttrs,
			slog.Attr{Key: jsonTag, Value: structToSlogValue(fv.Interface())},
		)
	}
	return slog.GroupValue(groupAttrs...)
}
