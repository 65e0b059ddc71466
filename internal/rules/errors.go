package rules

import "fmt"

// ConfigError reports a rule catalog that cannot be used. It is fatal at startup.
type ConfigError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	src := e.Path
	if src == "" {
		src = "rule catalog"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", src, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", src, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
