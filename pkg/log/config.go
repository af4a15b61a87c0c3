package log

// Config captures the externally tunable logging knobs.
type Config struct {
	// Level is a ParseLevel-compatible name; empty means info.
	Level string
	// Format is "text" or "json"; empty means text.
	Format string
}

// ApplyConfig builds a Logger from a Config.
func ApplyConfig(cfg *Config) (Logger, error) {
	level := InfoLevel
	if cfg != nil && cfg.Level != "" {
		parsed, err := ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		level = parsed
	}

	var formatter Formatter = &TextFormatter{}
	if cfg != nil && cfg.Format == "json" {
		formatter = &JSONFormatter{}
	}

	return NewLogger(WithLevel(level), WithFormatter(formatter)), nil
}
