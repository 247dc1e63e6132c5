package ledger

import (
	"errors"
	"fmt"
	"strings"
)

var errNoChange = errors.New("no change")

var subscriptionTransitions = map[SubscriptionState]map[SubscriptionState]bool{
	SubscriptionInactive: {SubscriptionInactive: true, SubscriptionActive: true},
	SubscriptionActive:   {SubscriptionActive: true, SubscriptionPastDue: true, SubscriptionCanceled: true},
	SubscriptionPastDue:  {SubscriptionPastDue: true, SubscriptionActive: true, SubscriptionCanceled: true},
	SubscriptionCanceled: {SubscriptionCanceled: true, SubscriptionActive: true},
}

// CanTransition reports whether the lifecycle allows moving from one state to another.
// Reactivating a canceled subscription additionally requires a new subscription id.
func CanTransition(from SubscriptionState, to SubscriptionState) bool {
	return subscriptionTransitions[from][to]
}

// applySubscriptionChange mutates account in place. It returns errNoChange when the
// resulting subscription fields equal the current ones.
func applySubscriptionChange(account *Account, change SubscriptionChange) error {
	if !change.State.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSubscriptionState, change.State)
	}
	from := account.SubscriptionState
	if !CanTransition(from, change.State) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, change.State)
	}
	incomingSubscriptionID := strings.TrimSpace(change.SubscriptionID)
	currentSubscriptionID := account.ExternalSubscriptionID
	adoptSubscriptionID := currentSubscriptionID == ""
	switch {
	case from == SubscriptionCanceled && change.State == SubscriptionActive:
		if incomingSubscriptionID == "" || incomingSubscriptionID == currentSubscriptionID {
			return fmt.Errorf("%w: reactivation requires a new subscription", ErrInvalidTransition)
		}
		adoptSubscriptionID = true
	case from == SubscriptionInactive:
		adoptSubscriptionID = true
	default:
		if incomingSubscriptionID != "" && currentSubscriptionID != "" && incomingSubscriptionID != currentSubscriptionID {
			return fmt.Errorf("%w: account holds %s, event names %s", ErrSubscriptionMismatch, currentSubscriptionID, incomingSubscriptionID)
		}
	}

	before := *account
	account.SubscriptionState = change.State
	if adoptSubscriptionID && incomingSubscriptionID != "" {
		account.ExternalSubscriptionID = incomingSubscriptionID
	}
	if planID := strings.TrimSpace(change.PlanID); planID != "" {
		account.ActivePlanID = planID
	}
	if customerID := strings.TrimSpace(change.CustomerID); customerID != "" && account.ExternalCustomerID == "" {
		account.ExternalCustomerID = customerID
	}
	if sameSubscription(before, *account) {
		return errNoChange
	}
	return nil
}

func sameSubscription(left Account, right Account) bool {
	return left.SubscriptionState == right.SubscriptionState &&
		left.ActivePlanID == right.ActivePlanID &&
		left.ExternalCustomerID == right.ExternalCustomerID &&
		left.ExternalSubscriptionID == right.ExternalSubscriptionID
}
