package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

const telegramOffsetKey = "telegram"

// TelegramOffset returns the last acknowledged update id. ok is false
// when no offset has been committed yet (cold start).
func (s *Store) TelegramOffset() (lastUpdateID int64, ok bool, err error) {
	var raw string
	err = s.db.QueryRow(`SELECT offset_value FROM provider_offsets WHERE provider = ?`, telegramOffsetKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("telegram offset: %w", err)
	}
	n, perr := strconv.ParseInt(raw, 10, 64)
	if perr != nil {
		return 0, false, fmt.Errorf("telegram offset %q: %w", raw, perr)
	}
	return n, true, nil
}

// SetTelegramOffset commits the last acknowledged update id.
func (s *Store) SetTelegramOffset(lastUpdateID int64) error {
	return s.setOffset(telegramOffsetKey, strconv.FormatInt(lastUpdateID, 10))
}

// DiscordOffset returns the per-binding last acknowledged message
// snowflake, or "" when none has been committed.
func (s *Store) DiscordOffset(bindingID string) (string, error) {
	var raw string
	err := s.db.QueryRow(`SELECT offset_value FROM provider_offsets WHERE provider = ?`, "discord:"+bindingID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("discord offset: %w", err)
	}
	return raw, nil
}

// SetDiscordOffset commits the per-binding last acknowledged snowflake.
func (s *Store) SetDiscordOffset(bindingID, lastMessageID string) error {
	return s.setOffset("discord:"+bindingID, lastMessageID)
}

func (s *Store) setOffset(provider, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO provider_offsets (provider, offset_value, updated_at_ms)
		VALUES (?, ?, ?)
		ON CONFLICT(provider) DO UPDATE SET
			offset_value = excluded.offset_value,
			updated_at_ms = excluded.updated_at_ms`,
		provider, value, nowMs(),
	)
	if err != nil {
		return fmt.Errorf("set offset %s: %w", provider, err)
	}
	return nil
}
