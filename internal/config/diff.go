package config

import "reflect"

// Diff describes what changed between two configs. Only changes the
// running pipeline can act on are tracked; anything else requires a
// restart. Mid-session changes apply from the next segment onward, never
// retroactively.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// BackendChanged is set when the active backend selection or the
	// active backend's entry changed; the app reacts by constructing and
	// hot-swapping the new backend.
	BackendChanged bool
	NewBackend     string

	// VADChanged covers threshold or frame tuning; applied at the next
	// session start.
	VADChanged bool

	// SegmentChanged covers segmentation timing knobs; applied at the
	// next session start.
	SegmentChanged bool

	// LanguageChanged applies to the next submitted segment.
	LanguageChanged bool
	NewLanguage     string

	// VocabularyChanged rebuilds the transcript corrector; applies to
	// the next delivered transcript.
	VocabularyChanged bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Backends.Active != new.Backends.Active ||
		!entryEqual(old.Backends.Entries[new.Backends.Active], new.Backends.Entries[new.Backends.Active]) {
		d.BackendChanged = true
		d.NewBackend = new.Backends.Active
	}

	if old.Backends.Language != new.Backends.Language {
		d.LanguageChanged = true
		d.NewLanguage = new.Backends.Language
	}

	if old.VAD != new.VAD {
		d.VADChanged = true
	}
	if old.Segment != new.Segment {
		d.SegmentChanged = true
	}
	if !reflect.DeepEqual(old.Vocabulary, new.Vocabulary) {
		d.VocabularyChanged = true
	}

	return d
}

// entryEqual compares two backend entries, including their free-form
// options.
func entryEqual(a, b BackendEntry) bool {
	return a.APIKey == b.APIKey &&
		a.Model == b.Model &&
		a.ModelPath == b.ModelPath &&
		a.BaseURL == b.BaseURL &&
		reflect.DeepEqual(a.Options, b.Options)
}
