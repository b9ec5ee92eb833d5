package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dentdesk/dentdesk/internal/platform/remote"
)

// RetryResult summarizes a Retry pass.
type RetryResult struct {
	Created int `json:"created"`
	Failed  int `json:"failed"`
}

// ProfileReconciler writes pending profile rows that failed at sign-up.
type ProfileReconciler struct {
	tables  remote.Tables
	pending PendingStore
	logger  zerolog.Logger
	onRetry func(RetryResult)
}

func NewProfileReconciler(tables remote.Tables, pending PendingStore, logger zerolog.Logger) *ProfileReconciler {
	return &ProfileReconciler{tables: tables, pending: pending, logger: logger.With().Str("component", "profile_reconciler").Logger()}
}

// OnRetry registers fn to receive the result of every Run pass.
func (r *ProfileReconciler) OnRetry(fn func(RetryResult)) *ProfileReconciler {
	r.onRetry = fn
	return r
}

// RetryOne inserts the profile for p. An existing row counts as success.
// On failure the attempt is recorded and the record kept.
func (r *ProfileReconciler) RetryOne(ctx context.Context, p PendingProfile) (Profile, error) {
	prof, err := r.insert(ctx, p)
	if err != nil {
		p.Attempts++
		p.LastError = err.Error()
		if serr := r.pending.Save(ctx, p); serr != nil {
			r.logger.Error().Err(serr).Str("user_id", p.UserID.String()).Msg("failed to record profile retry")
		}
		return Profile{}, err
	}
	if err := r.pending.Remove(ctx, p.UserID); err != nil {
		return prof, fmt.Errorf("clearing pending profile %s: %w", p.UserID, err)
	}
	r.logger.Info().Str("user_id", p.UserID.String()).Int("attempts", p.Attempts+1).Msg("pending profile created")
	return prof, nil
}

func (r *ProfileReconciler) insert(ctx context.Context, p PendingProfile) (Profile, error) {
	raw, err := r.tables.Insert(ctx, profilesTable, p.row())
	if err == nil {
		return remote.Decode[Profile](raw)
	}
	var re *remote.Error
	if errors.As(err, &re) && re.Code == remote.CodeUniqueViolation {
		return remote.SelectOne[Profile](ctx, r.tables, remote.From(profilesTable).Eq("id", p.UserID).One())
	}
	return Profile{}, err
}

// Retry attempts every recorded pending profile once.
func (r *ProfileReconciler) Retry(ctx context.Context) (RetryResult, error) {
	var res RetryResult
	items, err := r.pending.List(ctx)
	if err != nil {
		return res, err
	}
	for _, p := range items {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if _, err := r.RetryOne(ctx, p); err != nil {
			res.Failed++
			r.logger.Warn().Err(err).Str("user_id", p.UserID.String()).Int("attempts", p.Attempts+1).Msg("pending profile retry failed")
			continue
		}
		res.Created++
	}
	return res, nil
}

// Run calls Retry every interval until ctx is done.
func (r *ProfileReconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := r.Retry(ctx)
			if err != nil && ctx.Err() == nil {
				r.logger.Error().Err(err).Msg("pending profile sweep failed")
				continue
			}
			if r.onRetry != nil {
				r.onRetry(res)
			}
			if res.Created+res.Failed > 0 {
				r.logger.Info().Int("created", res.Created).Int("failed", res.Failed).Msg("pending profile sweep")
			}
		}
	}
}
