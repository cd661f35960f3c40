// Package validate sanitizes untrusted control-plane input. Validators are
// pure: they return the trimmed input unchanged or fail with a typed
// validation error naming the offending token class.
package validate

import (
	"fmt"
	"regexp"
	"strings"

	apperrors "github.com/logwarden/logwarden/internal/errors"
)

// Kind names an accepted input category.
type Kind string

const (
	KindFilePath           Kind = "file_path"
	KindSourceName         Kind = "source_name"
	KindNotificationConfig Kind = "notification_config"
	KindMonitoringConfig   Kind = "monitoring_config"
)

// Level selects how aggressive validation is.
type Level int

const (
	LevelDefault Level = iota
	LevelStrict
)

const (
	maxPathLen  = 4096
	maxNameLen  = 128
	maxValueLen = 2048
)

var (
	sourceNameRe = regexp.MustCompile(`^[A-Za-z0-9_\-.]+$`)

	// Token classes rejected in any input.
	traversalTokens = []string{"..", "%2e%2e", "%2E%2E", "..%2f", "..%5c"}
	shellTokens     = []string{";", "|", "&", "$(", "`", "&&", "||", "\n", "\r", "\x00"}
	scriptTokens    = []string{"<script", "javascript:", "onerror=", "onload=", "<iframe"}
	sqlTokens       = []string{"' or ", "\" or ", "union select", "drop table", "insert into", "delete from", "--", "/*"}

	reservedNames = map[string]struct{}{
		"con": {}, "prn": {}, "aux": {}, "nul": {},
		"default": {}, "system": {}, "admin": {},
	}

	logExtensions = map[string]struct{}{
		".log": {}, ".txt": {}, ".out": {}, ".err": {}, ".json": {}, ".jsonl": {},
	}
)

// Violation describes what a validator rejected.
type Violation struct {
	Kind  Kind
	Class string // token class, e.g. "path_traversal", "shell_meta"
	Token string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s rejected: %s token %q", v.Kind, v.Class, v.Token)
}

func reject(kind Kind, class, token string) error {
	return apperrors.Validation("validator", string(kind), &Violation{Kind: kind, Class: class, Token: token})
}

// FilePath validates a filesystem path string. At LevelStrict the file must
// carry a recognized log extension.
func FilePath(path string, level Level) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", reject(KindFilePath, "empty", "")
	}
	if len(path) > maxPathLen {
		return "", reject(KindFilePath, "length", fmt.Sprintf("%d bytes", len(path)))
	}
	if err := scanDangerous(KindFilePath, path); err != nil {
		return "", err
	}
	if level == LevelStrict {
		dot := strings.LastIndexByte(path, '.')
		ext := ""
		if dot >= 0 {
			ext = strings.ToLower(path[dot:])
		}
		if _, ok := logExtensions[ext]; !ok {
			return "", reject(KindFilePath, "extension", ext)
		}
	}
	return path, nil
}

// SourceName validates a stable source identifier.
func SourceName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", reject(KindSourceName, "empty", "")
	}
	if len(name) > maxNameLen {
		return "", reject(KindSourceName, "length", fmt.Sprintf("%d bytes", len(name)))
	}
	if !sourceNameRe.MatchString(name) {
		return "", reject(KindSourceName, "charset", name)
	}
	if _, ok := reservedNames[strings.ToLower(name)]; ok {
		return "", reject(KindSourceName, "reserved", name)
	}
	return name, nil
}

// ConfigValue validates a free-form configuration value of the given kind.
func ConfigValue(kind Kind, value string) (string, error) {
	value = strings.TrimSpace(value)
	if len(value) > maxValueLen {
		return "", reject(kind, "length", fmt.Sprintf("%d bytes", len(value)))
	}
	if err := scanDangerous(kind, value); err != nil {
		return "", err
	}
	return value, nil
}

// URL validates a webhook or notification endpoint.
func URL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", reject(KindNotificationConfig, "empty", "")
	}
	lower := strings.ToLower(raw)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return "", reject(KindNotificationConfig, "scheme", raw)
	}
	if err := scanDangerous(KindNotificationConfig, raw); err != nil {
		return "", err
	}
	return raw, nil
}

func scanDangerous(kind Kind, value string) error {
	lower := strings.ToLower(value)
	for _, token := range traversalTokens {
		if strings.Contains(lower, token) {
			return reject(kind, "path_traversal", token)
		}
	}
	for _, token := range shellTokens {
		if strings.Contains(value, token) {
			return reject(kind, "shell_meta", token)
		}
	}
	for _, token := range scriptTokens {
		if strings.Contains(lower, token) {
			return reject(kind, "script_injection", token)
		}
	}
	for _, token := range sqlTokens {
		if strings.Contains(lower, token) {
			return reject(kind, "sql_meta", token)
		}
	}
	return nil
}
