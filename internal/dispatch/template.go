package dispatch

import (
	"context"
	"regexp"
	"strconv"
	"time"

	"github.com/perkhub/loyalbot/internal/database"
)

var placeholderRe = regexp.MustCompile(`\{([a-z_]+)\}`)

// Render substitutes {placeholder} tokens in a campaign template. Unknown
// placeholders are replaced with an empty string so raw braces never reach a
// subscriber.
func Render(template string, vars map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		key := match[1 : len(match)-1]
		return vars[key]
	})
}

// templateVars builds the substitution set for one recipient. Every key has a
// safe default: a subscriber with no stored name greets as "there", a missing
// loyalty account renders zero points, and {date} is the send date.
func templateVars(ctx context.Context, store database.Store, sub *database.Subscriber) map[string]string {
	vars := map[string]string{
		"name":       "there",
		"first_name": sub.FirstName,
		"last_name":  sub.LastName,
		"username":   sub.Username,
		"points":     "0",
		"tier":       "",
		"date":       time.Now().Format("January 2, 2006"),
	}
	if name := sub.DisplayName(); name != "" {
		vars["name"] = name
	}

	if sub.CustomerID.Valid && sub.CustomerID.String != "" {
		if acc, err := store.GetLoyaltyAccount(ctx, sub.TenantID, sub.CustomerID.String); err == nil && acc != nil {
			vars["points"] = strconv.Itoa(acc.Points)
			vars["tier"] = acc.Tier
		}
	}
	return vars
}
