package threat

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/mosquitone/setlist-studio-sub001/internal/auth"
)

// Severity classifies how hostile a request looks.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Threat is a single signal about a request.
type Threat struct {
	Kind     string
	Severity Severity
}

// Threat kinds.
const (
	KindTokenAbuse       = "token_abuse"
	KindElevatedFailures = "elevated_failures"
	KindMissingUserAgent = "missing_user_agent"
)

// PatternSource provides token usage aggregates, usually the auth service.
type PatternSource interface {
	AnalyzeUsagePattern(ctx context.Context, userID uuid.UUID, purpose auth.TokenPurpose, window time.Duration) (auth.UsagePattern, error)
}

// failedAttemptsMedium is the failure count above which a user is flagged
// at medium severity even when the full suspicion heuristics don't fire.
const failedAttemptsMedium = 5

// Analyzer inspects requests for signs of token abuse. It is advisory by
// nature: only high severity threats block a request, everything else is
// recorded for operators.
type Analyzer struct {
	patterns PatternSource
	window   time.Duration

	// cache holds recent per-user verdicts. The ledger aggregation is a
	// table scan per user, it should not run on every request. Losing the
	// cache only means recomputing.
	cache *expirable.LRU[string, []Threat]
}

// NewAnalyzer creates an analyzer that aggregates ledger activity within
// the given window and caches per-user verdicts for cacheTTL.
func NewAnalyzer(patterns PatternSource, window time.Duration, cacheSize int, cacheTTL time.Duration) *Analyzer {
	return &Analyzer{
		patterns: patterns,
		window:   window,
		cache:    expirable.NewLRU[string, []Threat](cacheSize, nil, cacheTTL),
	}
}

// AnalyzeRequest returns the threats observed for a request. userID is nil
// for anonymous requests, which are judged on request metadata alone.
func (a *Analyzer) AnalyzeRequest(ctx context.Context, userID *uuid.UUID, meta auth.RequestMeta) ([]Threat, error) {
	threats := make([]Threat, 0)

	if meta.UserAgent == "" {
		threats = append(threats, Threat{
			Kind:     KindMissingUserAgent,
			Severity: SeverityLow,
		})
	}

	if userID == nil {
		return threats, nil
	}

	if cached, ok := a.cache.Get(userID.String()); ok {
		return append(threats, cached...), nil
	}

	// Each purpose is judged on its own ledger slice, so abuse of one flow
	// is not diluted by normal use of another.
	var abuse, elevated bool
	for _, purpose := range auth.TokenPurposes() {
		pattern, err := a.patterns.AnalyzeUsagePattern(ctx, *userID, purpose, a.window)
		if err != nil {
			return nil, err
		}

		switch {
		case pattern.Suspicious:
			abuse = true
		case pattern.FailedAttempts > failedAttemptsMedium:
			elevated = true
		}
	}

	userThreats := make([]Threat, 0)
	if abuse {
		userThreats = append(userThreats, Threat{
			Kind:     KindTokenAbuse,
			Severity: SeverityHigh,
		})
	} else if elevated {
		userThreats = append(userThreats, Threat{
			Kind:     KindElevatedFailures,
			Severity: SeverityMedium,
		})
	}

	a.cache.Add(userID.String(), userThreats)

	return append(threats, userThreats...), nil
}

// Blocking reports whether the threats warrant rejecting the request.
func Blocking(threats []Threat) bool {
	for _, t := range threats {
		if t.Severity == SeverityHigh {
			return true
		}
	}

	return false
}
