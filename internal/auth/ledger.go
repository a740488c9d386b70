package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mosquitone/setlist-studio-sub001/internal/errorz"
	"github.com/mosquitone/setlist-studio-sub001/internal/krypto"
)

// inferWindow bounds how far back prefix-based attribution looks. Prefix
// collisions are unlikely but possible, so only recent entries count.
const inferWindow = 24 * time.Hour

// InferUserID attributes a token to a user via the used-token ledger. This
// exists for incident response: when a token shows up in a report or a log,
// the corresponding lifecycle row is usually long gone.
//
// An exact hash match wins. Failing that, entries from the last 24 hours
// with the same prefix are considered and the most frequent user among them
// is returned. It returns errorz.ErrNotFound when neither yields a user.
func (s *Service) InferUserID(ctx context.Context, token krypto.Token) (uuid.UUID, error) {
	var userID uuid.UUID

	err := s.inTx(ctx, func(tx Tx) error {
		entries, txErr := tx.FindUsedTokens(&UsedTokenFilter{
			TokenHashes: []krypto.TokenHash{token.Hash()},
		})
		if txErr != nil {
			return txErr
		}

		for _, e := range entries {
			if e.UserID != nil {
				userID = *e.UserID
				return nil
			}
		}

		since := s.NowFunc().Add(-inferWindow)
		entries, txErr = tx.FindUsedTokens(&UsedTokenFilter{
			TokenPrefixes: []string{token.Prefix()},
			UsedAfter:     &since,
		})
		if txErr != nil {
			return txErr
		}

		counts := make(map[uuid.UUID]int)
		best := 0
		for _, e := range entries {
			if e.UserID == nil {
				continue
			}
			counts[*e.UserID]++
			if counts[*e.UserID] > best {
				best = counts[*e.UserID]
				userID = *e.UserID
			}
		}

		if best == 0 {
			return errorz.ErrNotFound
		}

		return nil
	})

	return userID, err
}

// AnalyzeUsagePattern summarizes a user's token redemption attempts for one
// purpose inside the window and flags suspicious activity: more than 10
// failed attempts, attempts from more than 5 distinct IPs, or a failure
// ratio above 80%. Purposes are analyzed separately, a noisy verification
// flow does not taint the reset flow. A user with no attempts in the window
// is not suspicious.
func (s *Service) AnalyzeUsagePattern(ctx context.Context, userID uuid.UUID, purpose TokenPurpose, window time.Duration) (UsagePattern, error) {
	since := s.NowFunc().Add(-window)

	var entries []UsedToken
	err := s.inTx(ctx, func(tx Tx) error {
		var txErr error
		entries, txErr = tx.FindUsedTokens(&UsedTokenFilter{
			UserIDs:   []uuid.UUID{userID},
			Purposes:  []TokenPurpose{purpose},
			UsedAfter: &since,
		})
		return txErr
	})
	if err != nil {
		return UsagePattern{}, err
	}

	failed := 0
	ips := make(map[string]struct{})
	for _, e := range entries {
		if !e.Success {
			failed++
		}
		if e.IPHash != "" {
			ips[e.IPHash] = struct{}{}
		}
	}

	return evaluatePattern(len(entries), failed, len(ips)), nil
}
