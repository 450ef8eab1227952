package router

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/perkhub/loyalbot/internal/database"
)

const notLinkedReply = "We couldn't find a linked membership for this chat. Please link your account in the store first."

// pointsReply builds the response for the points built-in: the subscriber's
// current balance from their loyalty account.
func (r *Router) pointsReply(ctx context.Context, sub *database.Subscriber) (string, error) {
	acc, err := r.loyaltyAccount(ctx, sub)
	if err != nil {
		return "", err
	}
	if acc == nil {
		return notLinkedReply, nil
	}

	name := sub.DisplayName()
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf("Hi %s, you have %d pts.", name, acc.Points), nil
}

// membershipReply builds the response for the membership built-in: the
// subscriber's tier.
func (r *Router) membershipReply(ctx context.Context, sub *database.Subscriber) (string, error) {
	acc, err := r.loyaltyAccount(ctx, sub)
	if err != nil {
		return "", err
	}
	if acc == nil {
		return notLinkedReply, nil
	}

	tier := acc.Tier
	if tier == "" {
		tier = "Standard"
	}
	return fmt.Sprintf("Your membership tier is %s with %d pts on the account.", tier, acc.Points), nil
}

// couponReply builds the response for the coupon built-in: a fresh reward
// code the subscriber can present in store.
func (r *Router) couponReply(*database.Subscriber) string {
	code := fmt.Sprintf("REWARD%04d", rand.IntN(10000))
	return fmt.Sprintf("Here is your reward code: %s. Show it at checkout to redeem.", code)
}

func (r *Router) loyaltyAccount(ctx context.Context, sub *database.Subscriber) (*database.LoyaltyAccount, error) {
	if sub == nil || !sub.CustomerID.Valid || sub.CustomerID.String == "" {
		return nil, nil
	}
	return r.store.GetLoyaltyAccount(ctx, sub.TenantID, sub.CustomerID.String)
}
