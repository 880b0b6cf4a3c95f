package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Category buckets every handled error. Collection-layer categories describe
// failures of the upstream data pipeline; system-layer categories describe
// failures of the process itself.
type Category string

const (
	// Collection layer
	CategoryCollector        Category = "collector"
	CategoryProvider         Category = "provider"
	CategoryNetwork          Category = "network"
	CategoryTimeout          Category = "timeout"
	CategoryRateLimit        Category = "rate_limit"
	CategoryAuth             Category = "auth"
	CategoryMalformedData    Category = "malformed_data"
	CategoryDataValidation   Category = "data_validation"
	CategoryEmptyInstruments Category = "empty_instruments"
	CategoryEmptyQuotes      Category = "empty_quotes"
	CategoryExpiryResolution Category = "expiry_resolution"
	CategoryEnrichment       Category = "enrichment"
	CategoryMarketClosed     Category = "market_closed"
	CategoryBreakerOpen      Category = "breaker_open"
	CategoryRetryExhausted   Category = "retry_exhausted"
	CategoryStorageWrite     Category = "storage_write"
	CategoryFileIO           Category = "file_io"
	CategoryCache            Category = "cache"

	// System layer
	CategoryResource      Category = "resource"
	CategoryConfiguration Category = "configuration"
	CategoryCritical      Category = "critical"
	CategoryUnknown       Category = "unknown"
)

// Severity grades a classified error.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Destination names a statistics/display channel.
type Destination string

const (
	DestCollection Destination = "collection"
	DestAlerts     Destination = "alerts"
)

// collectionTied lists categories routed to the live collection destination.
var collectionTied = map[Category]bool{
	CategoryCollector:        true,
	CategoryProvider:         true,
	CategoryNetwork:          true,
	CategoryTimeout:          true,
	CategoryRateLimit:        true,
	CategoryMalformedData:    true,
	CategoryDataValidation:   true,
	CategoryEmptyInstruments: true,
	CategoryEmptyQuotes:      true,
	CategoryExpiryResolution: true,
	CategoryEnrichment:       true,
	CategoryMarketClosed:     true,
	CategoryBreakerOpen:      true,
	CategoryRetryExhausted:   true,
	CategoryStorageWrite:     true,
	CategoryCache:            true,
}

// CollectionTied reports whether a category belongs to the upstream data
// collection pipeline.
func (c Category) CollectionTied() bool {
	return collectionTied[c]
}

// SystemLayer reports whether a category describes a process-level failure.
func (c Category) SystemLayer() bool {
	switch c {
	case CategoryResource, CategoryConfiguration, CategoryCritical:
		return true
	}
	return false
}

// ClassifiedError carries its classification across wrapping, so callers can
// tag an error at the point of failure and the router does not have to guess.
type ClassifiedError struct {
	Category  Category
	Severity  Severity
	Component string
	Err       error
}

func (e *ClassifiedError) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("%s: [%s/%s] %v", e.Component, e.Category, e.Severity, e.Err)
	}
	return fmt.Sprintf("[%s/%s] %v", e.Category, e.Severity, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Wrap tags err with a category and severity. A nil err returns nil.
func Wrap(err error, category Category, severity Severity, component string) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Category: category, Severity: severity, Component: component, Err: err}
}

// Classify determines category and severity for an arbitrary error.
// A ClassifiedError anywhere in the chain wins; otherwise typed network
// errors and message patterns decide.
func Classify(err error) (Category, Severity) {
	if err == nil {
		return CategoryUnknown, SeverityLow
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Category, ce.Severity
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout, SeverityMedium
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout, SeverityMedium
		}
		return CategoryNetwork, SeverityMedium
	}

	s := strings.ToLower(err.Error())

	switch {
	case strings.Contains(s, "429"), strings.Contains(s, "rate limit"),
		strings.Contains(s, "too many requests"), strings.Contains(s, "quota"):
		return CategoryRateLimit, SeverityMedium
	case strings.Contains(s, "403"), strings.Contains(s, "401"),
		strings.Contains(s, "forbidden"), strings.Contains(s, "unauthorized"),
		strings.Contains(s, "token"), strings.Contains(s, "api_key"):
		return CategoryAuth, SeverityHigh
	case strings.Contains(s, "timeout"), strings.Contains(s, "deadline"):
		return CategoryTimeout, SeverityMedium
	case strings.Contains(s, "connection"), strings.Contains(s, "broken pipe"),
		strings.Contains(s, "no such host"), strings.Contains(s, "eof"):
		return CategoryNetwork, SeverityMedium
	case strings.Contains(s, "unmarshal"), strings.Contains(s, "parse"),
		strings.Contains(s, "invalid character"), strings.Contains(s, "malformed"):
		return CategoryMalformedData, SeverityMedium
	case strings.Contains(s, "out of memory"), strings.Contains(s, "cannot allocate"):
		return CategoryResource, SeverityCritical
	case strings.Contains(s, "permission denied"), strings.Contains(s, "no space left"):
		return CategoryFileIO, SeverityHigh
	}

	return CategoryUnknown, SeverityMedium
}

// Retryable reports whether a category is retryable by default: the
// timeout/connection class only.
func (c Category) Retryable() bool {
	switch c {
	case CategoryTimeout, CategoryNetwork:
		return true
	}
	return false
}
