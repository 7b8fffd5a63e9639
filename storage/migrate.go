package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"pollev-notifier/pkg/notifier"
)

// legacySettings is the original single-class layout: one username and one
// schedule as flat fields next to the push configuration.
type legacySettings struct {
	Classes []*notifier.ClassConfig `json:"classes"`

	Username    string   `json:"pollEvUsername"`
	StartTime   string   `json:"classStartTime"`
	EndTime     string   `json:"classEndTime"`
	EndDate     string   `json:"classEndDate"`
	Days        []string `json:"classDays"`
	NtfyEnabled bool     `json:"ntfyEnabled"`
	NtfyTopic   string   `json:"ntfyTopic"`
}

// FromLegacy converts a flat single-class record into the class-list layout.
func FromLegacy(legacy *legacySettings) *notifier.Settings {
	return &notifier.Settings{
		Classes: []*notifier.ClassConfig{{
			ID:        uuid.NewString(),
			Username:  legacy.Username,
			StartTime: legacy.StartTime,
			EndTime:   legacy.EndTime,
			EndDate:   legacy.EndDate,
			Days:      legacy.Days,
		}},
		NtfyEnabled: legacy.NtfyEnabled,
		NtfyTopic:   legacy.NtfyTopic,
	}
}

// Migrate converts a legacy flat settings record to the class-list layout.
// Guarded by a presence check rather than a version flag: a record that
// already has a class list, or has no username at all, is left alone. Saving
// replaces the whole object, which also drops the legacy fields.
func (s *Store) Migrate(ctx context.Context) error {
	legacy := &legacySettings{}
	if err := s.load(ctx, settingsKey, legacy); err != nil {
		if IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("load settings for migration: %w", err)
	}

	if len(legacy.Classes) > 0 || legacy.Username == "" {
		return nil
	}

	migrated := FromLegacy(legacy)
	if err := s.SaveSettings(ctx, migrated); err != nil {
		return fmt.Errorf("save migrated settings: %w", err)
	}

	s.logger.Info("Migrated legacy single-class settings",
		"username", legacy.Username,
		"class_id", migrated.Classes[0].ID)
	return nil
}
