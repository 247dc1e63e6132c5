package fulfillment

import "github.com/MarkoPoloResearchLab/coinledger/pkg/webhook"

// EventKind is the business meaning of a provider event.
type EventKind int

const (
	KindIgnored EventKind = iota
	KindPurchaseCompleted
	KindSubscriptionActivated
	KindSubscriptionRenewed
	KindSubscriptionPaymentFailed
	KindSubscriptionCanceled
)

const (
	eventCheckoutCompleted           = "checkout.session.completed"
	eventCheckoutAsyncPaymentSuccess = "checkout.session.async_payment_succeeded"
	eventSubscriptionCreated         = "customer.subscription.created"
	eventSubscriptionUpdated         = "customer.subscription.updated"
	eventSubscriptionDeleted         = "customer.subscription.deleted"
	eventInvoicePaymentSucceeded     = "invoice.payment_succeeded"
	eventInvoicePaymentFailed        = "invoice.payment_failed"

	checkoutModePayment      = "payment"
	checkoutModeSubscription = "subscription"

	paymentStatusPaid              = "paid"
	paymentStatusNoPaymentRequired = "no_payment_required"

	billingReasonSubscriptionCycle = "subscription_cycle"

	subscriptionStatusActive            = "active"
	subscriptionStatusTrialing          = "trialing"
	subscriptionStatusPastDue           = "past_due"
	subscriptionStatusUnpaid            = "unpaid"
	subscriptionStatusCanceled          = "canceled"
	subscriptionStatusIncompleteExpired = "incomplete_expired"
)

func (kind EventKind) String() string {
	switch kind {
	case KindPurchaseCompleted:
		return "purchase_completed"
	case KindSubscriptionActivated:
		return "subscription_activated"
	case KindSubscriptionRenewed:
		return "subscription_renewed"
	case KindSubscriptionPaymentFailed:
		return "subscription_payment_failed"
	case KindSubscriptionCanceled:
		return "subscription_canceled"
	default:
		return "ignored"
	}
}

// Classify maps a verified event to its business kind. Unknown types and shapes are KindIgnored.
func Classify(event webhook.VerifiedEvent) EventKind {
	object, err := decodeEventObject(event.Object)
	if err != nil {
		return KindIgnored
	}
	return classify(event.Type, object)
}

func classify(eventType string, object eventObject) EventKind {
	switch eventType {
	case eventCheckoutCompleted, eventCheckoutAsyncPaymentSuccess:
		return classifyCheckout(object)
	case eventSubscriptionCreated, eventSubscriptionUpdated:
		return classifySubscriptionStatus(object.Status)
	case eventSubscriptionDeleted:
		return KindSubscriptionCanceled
	case eventInvoicePaymentSucceeded:
		if object.BillingReason == billingReasonSubscriptionCycle {
			return KindSubscriptionRenewed
		}
		return KindIgnored
	case eventInvoicePaymentFailed:
		return KindSubscriptionPaymentFailed
	default:
		return KindIgnored
	}
}

func classifyCheckout(object eventObject) EventKind {
	switch object.PaymentStatus {
	case "", paymentStatusPaid, paymentStatusNoPaymentRequired:
	default:
		return KindIgnored
	}
	switch object.Mode {
	case checkoutModePayment:
		return KindPurchaseCompleted
	case checkoutModeSubscription:
		return KindSubscriptionActivated
	default:
		return KindIgnored
	}
}

func classifySubscriptionStatus(status string) EventKind {
	switch status {
	case subscriptionStatusActive, subscriptionStatusTrialing:
		return KindSubscriptionActivated
	case subscriptionStatusPastDue, subscriptionStatusUnpaid:
		return KindSubscriptionPaymentFailed
	case subscriptionStatusCanceled, subscriptionStatusIncompleteExpired:
		return KindSubscriptionCanceled
	default:
		return KindIgnored
	}
}
