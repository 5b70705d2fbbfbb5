package email

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/rs/zerolog/log"
)

type Kind string

const (
	KindPaymentFailed         Kind = "payment_failed"
	KindPaymentActionRequired Kind = "payment_action_required"
	KindSubscriptionCanceled  Kind = "subscription_canceled"
	KindChargebackDowngrade   Kind = "chargeback_downgrade"
	KindRefundProcessed       Kind = "refund_processed"
)

// Notification is a user-facing message about a committed billing change.
type Notification struct {
	Kind   Kind
	UserID int64
	To     string
	Name   string
	// Kind specific values, all optional.
	AmountCents      int64
	UsageChargeCents int64
	Generations      int
	ActionURL        string
}

// Notifier delivers notifications. Implementations are only called after
// the state change they describe has committed.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log instead of sending them.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, n Notification) error {
	log.Info().
		Str("kind", string(n.Kind)).
		Int64("user_id", n.UserID).
		Str("to", n.To).
		Msg("Billing notification (email disabled)")
	return nil
}

// FormatEuros renders cents as "€12.34".
func FormatEuros(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s€%d.%02d", sign, cents/100, cents%100)
}

func render(n Notification) (subject, htmlBody, textBody string) {
	greeting := "Hello"
	if n.Name != "" {
		greeting = "Hello " + n.Name
	}
	var lines []string
	switch n.Kind {
	case KindPaymentFailed:
		subject = "Your LLMReady payment failed"
		lines = []string{
			"We could not collect your latest subscription payment.",
			"Your plan stays available for a short grace period. Please update your payment method to avoid interruption.",
		}
	case KindPaymentActionRequired:
		subject = "Action required to complete your LLMReady payment"
		lines = []string{"Your bank requires additional confirmation for your latest payment."}
		if n.ActionURL != "" {
			lines = append(lines, "Confirm the payment here: "+n.ActionURL)
		}
	case KindSubscriptionCanceled:
		subject = "Your LLMReady subscription was canceled"
		lines = []string{"Your subscription has ended and your account is now on the Free plan."}
	case KindChargebackDowngrade:
		subject = "Your LLMReady subscription was suspended"
		lines = []string{
			"A payment on your account was disputed or refunded in full.",
			"Your account has been moved to the Free plan.",
		}
	case KindRefundProcessed:
		subject = "Your LLMReady cooling-off refund"
		if n.AmountCents > 0 {
			lines = append(lines, fmt.Sprintf("We refunded %s to your original payment method.", FormatEuros(n.AmountCents)))
		} else {
			lines = append(lines, "Your subscription was canceled. No refund was due after usage charges.")
		}
		if n.Generations > 0 {
			lines = append(lines, fmt.Sprintf("A usage charge of %s was deducted for %d generation(s).",
				FormatEuros(n.UsageChargeCents), n.Generations))
		}
	default:
		subject = "LLMReady billing update"
		lines = []string{"There was an update to your subscription."}
	}

	textBody = greeting + ",\n\n" + strings.Join(lines, "\n\n") + "\n"

	var b strings.Builder
	b.WriteString("<!DOCTYPE html><html><body style=\"font-family: sans-serif;\">")
	fmt.Fprintf(&b, "<p>%s,</p>", html.EscapeString(greeting))
	for _, l := range lines {
		fmt.Fprintf(&b, "<p>%s</p>", html.EscapeString(l))
	}
	b.WriteString("</body></html>")
	return subject, b.String(), textBody
}
