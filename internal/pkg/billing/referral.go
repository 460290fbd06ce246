package billing

import (
	"context"
	"errors"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/metrics"
	"github.com/gofiber/fiber/v2/log"
)

// referralThresholds maps converted-referral counts to free months.
var referralThresholds = []struct {
	Count  int64
	Months int
}{
	{Count: 1, Months: 1},
	{Count: 5, Months: 2},
	{Count: 10, Months: 6},
}

// ReferralConversion describes a conversion that happened on this call.
type ReferralConversion struct {
	ReferralUseID  uint
	ReferrerUserID uint
	Converted      int64
	Rewards        []models.ReferralReward
}

// ConvertReferral marks the pending referral use of referredUserID as
// converted and issues any newly reached rewards. It returns nil when
// there is nothing to convert, so repeated calls are no-ops.
func (s *Service) ConvertReferral(ctx context.Context, referredUserID uint, paymentID string, amount int64, planTier string, actor Actor) (*ReferralConversion, error) {
	var out *ReferralConversion
	err := s.repo.Transaction(ctx, func(tx Repository) error {
		var err error
		out, err = s.convertReferral(ctx, tx, referredUserID, paymentID, amount, planTier, actor)
		return err
	})
	return out, err
}

func (s *Service) convertReferral(ctx context.Context, repo Repository, referredUserID uint, paymentID string, amount int64, planTier string, actor Actor) (*ReferralConversion, error) {
	if referredUserID == 0 {
		return nil, nil
	}
	use, err := repo.GetPendingReferralUse(ctx, referredUserID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	ok, err := repo.ConvertReferralUse(ctx, use.ID, paymentID, amount, planTier, s.now())
	if err != nil || !ok {
		return nil, err
	}

	count, err := repo.CountConvertedReferrals(ctx, use.ReferrerUserID)
	if err != nil {
		return nil, err
	}
	out := &ReferralConversion{ReferralUseID: use.ID, ReferrerUserID: use.ReferrerUserID, Converted: count}

	for _, th := range referralThresholds {
		if count < th.Count {
			break
		}
		reward := &models.ReferralReward{
			ReferrerUserID: use.ReferrerUserID,
			Threshold:      int(th.Count),
			ReferralUseID:  use.ID,
			RewardType:     models.RewardTypeFreeMonth,
			Months:         th.Months,
		}
		created, err := repo.CreateReferralRewardIfNotExists(ctx, reward)
		if err != nil {
			return nil, err
		}
		if created {
			out.Rewards = append(out.Rewards, *reward)
		}
	}

	if err := s.audit(ctx, repo, &models.AuditLog{
		Action:    models.AuditReferralConverted,
		ActorType: actor.Type,
		ActorID:   actor.ID,
		OldValue:  models.ReferralUsePending,
		NewValue:  models.ReferralUseConverted,
		PaymentID: paymentID,
	}, map[string]interface{}{
		"referral_use_id":  use.ID,
		"referrer_user_id": use.ReferrerUserID,
		"referred_user_id": referredUserID,
		"converted_total":  count,
		"rewards_issued":   len(out.Rewards),
	}); err != nil {
		return nil, err
	}

	metrics.Transitions.WithLabelValues("referral", "converted").Inc()
	log.Infof("[Billing] referral %d converted for referrer %d (%d total, %d new rewards)", use.ID, use.ReferrerUserID, count, len(out.Rewards))
	return out, nil
}
