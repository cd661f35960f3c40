// Package errors defines the typed error taxonomy shared across the
// ingestion pipeline. Components return a *PipelineError at their
// boundaries; the recovery package classifies on its Category.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Base error types usable with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrTimeout           = errors.New("timeout")
	ErrInvalidInput      = errors.New("invalid input")
	ErrConnectionFailed  = errors.New("connection failed")
	ErrQueueFull         = errors.New("queue full")
	ErrBackpressure      = errors.New("backpressure rejection")
	ErrSecurityViolation = errors.New("security violation")
)

// Category buckets an error for recovery decisions.
type Category string

const (
	CategoryParsing       Category = "parsing"
	CategoryValidation    Category = "validation"
	CategoryDatabase      Category = "database"
	CategoryTransport     Category = "transport"
	CategoryAnalysis      Category = "analysis"
	CategorySystem        Category = "system"
	CategoryNetwork       Category = "network"
	CategoryConfiguration Category = "configuration"
)

// Severity orders errors for escalation and pattern detection.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// DefaultSeverity returns the baseline severity for a category.
func DefaultSeverity(c Category) Severity {
	switch c {
	case CategorySystem:
		return SeverityCritical
	case CategoryDatabase, CategoryConfiguration:
		return SeverityHigh
	case CategoryParsing, CategoryAnalysis:
		return SeverityMedium
	case CategoryTransport, CategoryNetwork:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// PipelineError is a structured error carrying the taxonomy. It wraps the
// underlying cause and records where in the pipeline it occurred.
type PipelineError struct {
	Category  Category
	Severity  Severity
	Op        string // operation that failed, e.g. "read_chunk", "flush_audit"
	Component string // originating component, e.g. "tailer", "queue"
	EntryID   string // log entry involved, if any
	Err       error
	Timestamp time.Time
	Retryable bool
}

func (e *PipelineError) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("%s: %s failed: %v", e.Component, e.Op, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Is matches base sentinel errors by category, then defers to the cause.
func (e *PipelineError) Is(target error) bool {
	if target == nil {
		return false
	}
	switch target {
	case ErrInvalidInput:
		return e.Category == CategoryValidation
	case ErrConnectionFailed:
		return e.Category == CategoryNetwork || e.Category == CategoryTransport
	}
	return errors.Is(e.Err, target)
}

// New creates a PipelineError with the category's default severity.
func New(category Category, component, op string, err error) *PipelineError {
	return &PipelineError{
		Category:  category,
		Severity:  DefaultSeverity(category),
		Op:        op,
		Component: component,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(category),
	}
}

// WithEntry attaches the log entry the error relates to.
func (e *PipelineError) WithEntry(entryID string) *PipelineError {
	e.EntryID = entryID
	return e
}

// WithSeverity overrides the default severity.
func (e *PipelineError) WithSeverity(s Severity) *PipelineError {
	e.Severity = s
	return e
}

func isRetryable(c Category) bool {
	switch c {
	case CategoryDatabase, CategoryTransport, CategoryNetwork, CategoryAnalysis:
		return true
	default:
		return false
	}
}

// Wrap helpers keep call sites terse.

func Parsing(component, op string, err error) *PipelineError {
	return New(CategoryParsing, component, op, err)
}

func Validation(component, op string, err error) *PipelineError {
	return New(CategoryValidation, component, op, err)
}

func Database(component, op string, err error) *PipelineError {
	return New(CategoryDatabase, component, op, err)
}

func Transport(component, op string, err error) *PipelineError {
	return New(CategoryTransport, component, op, err)
}

func Analysis(component, op string, err error) *PipelineError {
	return New(CategoryAnalysis, component, op, err)
}

func System(component, op string, err error) *PipelineError {
	return New(CategorySystem, component, op, err)
}

// Classify maps an arbitrary error to a category: a PipelineError keeps its
// own, otherwise message keywords decide, defaulting to system.
func Classify(err error) Category {
	var perr *PipelineError
	if errors.As(err, &perr) {
		return perr.Category
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "validation", "invalid", "sanitiz"):
		return CategoryValidation
	case containsAny(msg, "parse", "parsing", "malformed", "decode"):
		return CategoryParsing
	case containsAny(msg, "sql", "database", "constraint", "transaction"):
		return CategoryDatabase
	case containsAny(msg, "websocket", "broadcast", "subscriber"):
		return CategoryTransport
	case containsAny(msg, "analyz", "analysis", "model", "inference"):
		return CategoryAnalysis
	case containsAny(msg, "connection", "network", "dns", "dial", "timeout", "refused"):
		return CategoryNetwork
	case containsAny(msg, "config", "setting", "option"):
		return CategoryConfiguration
	default:
		return CategorySystem
	}
}

// ClassifySeverity derives a severity for err, elevating on alarm keywords.
func ClassifySeverity(err error) Severity {
	var perr *PipelineError
	sev := DefaultSeverity(Classify(err))
	if errors.As(err, &perr) {
		sev = perr.Severity
	}
	msg := strings.ToLower(err.Error())
	if containsAny(msg, "critical", "fatal", "security") {
		return SeverityCritical
	}
	return sev
}

// IsRetryable reports whether err is worth re-attempting.
func IsRetryable(err error) bool {
	var perr *PipelineError
	if errors.As(err, &perr) {
		return perr.Retryable
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionFailed)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
