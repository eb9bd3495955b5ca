package workspace

import (
	"strings"
	"time"

	"github.com/mbd888/campaignhq/internal/audit"
)

// mutation applies a change to a loaded, non-deleted workspace. Memory and
// Postgres stores share these so both enforce identical rules.
type mutation func(w *Workspace, entry *audit.Entry, now time.Time) error

func setMeta(entry *audit.Entry, kv ...interface{}) {
	if entry == nil {
		return
	}
	for i := 0; i+1 < len(kv); i += 2 {
		entry.Metadata[kv[i].(string)] = kv[i+1]
	}
}

func grantMutation(kind CreditKind, n int64) mutation {
	return func(w *Workspace, entry *audit.Entry, _ time.Time) error {
		if n <= 0 {
			return ErrInvalidAmount
		}
		var total int64
		switch kind {
		case CreditAI:
			w.AICreditsRemaining += n
			total = w.AICreditsRemaining
		case CreditEmail:
			w.EmailLimitRemaining += n
			total = w.EmailLimitRemaining
		default:
			return ErrInvalidCreditKind
		}
		setMeta(entry, "kind", string(kind), "amount", n, "newTotal", total)
		return nil
	}
}

func resetMutation() mutation {
	return func(w *Workspace, entry *audit.Entry, _ time.Time) error {
		setMeta(entry,
			"previousAiCredits", w.AICreditsRemaining,
			"previousEmailLimit", w.EmailLimitRemaining,
		)
		w.resetBudgets()
		setMeta(entry,
			"aiCredits", w.AICreditsRemaining,
			"emailLimit", w.EmailLimitRemaining,
		)
		return nil
	}
}

func tierMutation(tier Tier) mutation {
	return func(w *Workspace, entry *audit.Entry, _ time.Time) error {
		if _, ok := Policies[tier]; !ok {
			return ErrInvalidTier
		}
		setMeta(entry, "previousTier", string(w.Tier), "newTier", string(tier))
		w.Tier = tier
		w.resetBudgets()
		setMeta(entry, "aiCredits", w.AICreditsRemaining, "emailLimit", w.EmailLimitRemaining)
		return nil
	}
}

func suspendMutation(reason string) mutation {
	return func(w *Workspace, entry *audit.Entry, now time.Time) error {
		if w.IsSuspended() {
			return ErrAlreadySuspended
		}
		setMeta(entry, "reason", reason, "previousHealth", string(w.Health))
		t := now
		w.Health = HealthSuspended
		w.SuspendedAt = &t
		w.SuspensionReason = strings.TrimSpace(reason)
		return nil
	}
}

func reactivateMutation() mutation {
	return func(w *Workspace, entry *audit.Entry, _ time.Time) error {
		if !w.IsSuspended() {
			return ErrNotSuspended
		}
		setMeta(entry, "previousReason", w.SuspensionReason)
		w.Health = HealthHealthy
		w.SuspendedAt = nil
		w.SuspensionReason = ""
		return nil
	}
}

func healthMutation(h Health) mutation {
	return func(w *Workspace, entry *audit.Entry, _ time.Time) error {
		if _, err := ParseHealth(string(h)); err != nil {
			return err
		}
		if w.IsSuspended() {
			return ErrSuspended
		}
		setMeta(entry, "previousHealth", string(w.Health), "newHealth", string(h))
		w.Health = h
		return nil
	}
}

func deleteMutation() mutation {
	return func(w *Workspace, entry *audit.Entry, now time.Time) error {
		setMeta(entry,
			"name", w.Name,
			"tier", string(w.Tier),
			"subscriptionStatus", string(w.SubscriptionStatus),
		)
		t := now
		w.DeletedAt = &t
		return nil
	}
}

func subscriptionMutation(u SubscriptionUpdate) mutation {
	return func(w *Workspace, entry *audit.Entry, _ time.Time) error {
		setMeta(entry,
			"previousStatus", string(w.SubscriptionStatus),
			"status", string(u.Status),
			"previousTier", string(w.Tier),
		)
		w.SubscriptionStatus = u.Status
		if u.SubscriptionID != "" {
			w.StripeSubscriptionID = u.SubscriptionID
		}
		if u.CustomerID != "" {
			w.StripeCustomerID = u.CustomerID
		}
		tier := u.Tier
		if u.Status == SubscriptionCanceled {
			tier = TierFree
		}
		if tier == "" {
			tier = w.Tier
		}
		if _, ok := Policies[tier]; !ok {
			tier = TierFree
		}
		if tier != w.Tier {
			w.Tier = tier
			w.resetBudgets()
		}
		setMeta(entry, "tier", string(w.Tier))
		return nil
	}
}
