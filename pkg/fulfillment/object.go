package fulfillment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
)

const (
	metadataCoins  = "coins"
	metadataUserID = "user_id"
	metadataPlanID = "plan_id"
	objectTypeSub  = "subscription"
)

// expandableID decodes a provider reference that is either an id string or an expanded object.
type expandableID string

func (identifier *expandableID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*identifier = ""
		return nil
	}
	if trimmed[0] == '"' {
		var value string
		if err := json.Unmarshal(trimmed, &value); err != nil {
			return err
		}
		*identifier = expandableID(value)
		return nil
	}
	var expanded struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(trimmed, &expanded); err != nil {
		return err
	}
	*identifier = expandableID(expanded.ID)
	return nil
}

type priceObject struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata"`
}

type lineItem struct {
	ID       string            `json:"id"`
	Quantity int64             `json:"quantity"`
	Metadata map[string]string `json:"metadata"`
	Price    *priceObject      `json:"price"`
	Pricing  struct {
		PriceDetails struct {
			Price string `json:"price"`
		} `json:"price_details"`
	} `json:"pricing"`
}

func (item lineItem) priceID() string {
	if item.Price != nil && item.Price.ID != "" {
		return item.Price.ID
	}
	return item.Pricing.PriceDetails.Price
}

type lineItemList struct {
	Data []lineItem `json:"data"`
}

type subscriptionDetails struct {
	Subscription expandableID      `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

// eventObject is the union of the checkout session, subscription and invoice fields fulfillment reads.
type eventObject struct {
	ID                  string               `json:"id"`
	Object              string               `json:"object"`
	Mode                string               `json:"mode"`
	PaymentStatus       string               `json:"payment_status"`
	ClientReferenceID   string               `json:"client_reference_id"`
	Customer            expandableID         `json:"customer"`
	Subscription        expandableID         `json:"subscription"`
	Status              string               `json:"status"`
	BillingReason       string               `json:"billing_reason"`
	CancelAtPeriodEnd   bool                 `json:"cancel_at_period_end"`
	Metadata            map[string]string    `json:"metadata"`
	Items               lineItemList         `json:"items"`
	Lines               lineItemList         `json:"lines"`
	SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
	Parent              *struct {
		SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
	} `json:"parent"`
}

func decodeEventObject(raw json.RawMessage) (eventObject, error) {
	var object eventObject
	if len(bytes.TrimSpace(raw)) == 0 {
		return object, nil
	}
	if err := json.Unmarshal(raw, &object); err != nil {
		return eventObject{}, err
	}
	return object, nil
}

func (object eventObject) subscriptionDetails() *subscriptionDetails {
	if object.Parent != nil && object.Parent.SubscriptionDetails != nil {
		return object.Parent.SubscriptionDetails
	}
	return object.SubscriptionDetails
}

func (object eventObject) subscriptionID() string {
	if object.Object == objectTypeSub {
		return object.ID
	}
	if object.Subscription != "" {
		return string(object.Subscription)
	}
	if details := object.subscriptionDetails(); details != nil {
		return string(details.Subscription)
	}
	return ""
}

func (object eventObject) customerID() string {
	return strings.TrimSpace(string(object.Customer))
}

// userIDCandidates lists user references in resolution order.
func (object eventObject) userIDCandidates() []string {
	candidates := []string{object.ClientReferenceID, object.Metadata[metadataUserID]}
	if details := object.subscriptionDetails(); details != nil {
		candidates = append(candidates, details.Metadata[metadataUserID])
	}
	var result []string
	for _, candidate := range candidates {
		if trimmed := strings.TrimSpace(candidate); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func (object eventObject) lineItems() []lineItem {
	if len(object.Items.Data) > 0 {
		return object.Items.Data
	}
	return object.Lines.Data
}

func (object eventObject) planID() string {
	if planID := strings.TrimSpace(object.Metadata[metadataPlanID]); planID != "" {
		return planID
	}
	for _, item := range object.lineItems() {
		if priceID := item.priceID(); priceID != "" {
			return priceID
		}
	}
	return ""
}

// declaredCoins reads a coin grant carried on the object itself.
// Line item totals that do not fit in Coins report ledger.ErrBalanceOverflow.
func (object eventObject) declaredCoins() (ledger.Coins, error) {
	if coins := parseCoins(object.Metadata[metadataCoins]); coins > 0 {
		return coins, nil
	}
	if details := object.subscriptionDetails(); details != nil {
		if coins := parseCoins(details.Metadata[metadataCoins]); coins > 0 {
			return coins, nil
		}
	}
	var total ledger.Coins
	for _, item := range object.lineItems() {
		coins := parseCoins(item.Metadata[metadataCoins])
		if coins == 0 && item.Price != nil {
			coins = parseCoins(item.Price.Metadata[metadataCoins])
		}
		if item.Quantity > 1 {
			if coins > ledger.Coins(math.MaxInt64/item.Quantity) {
				return 0, fmt.Errorf("%w: line item %s", ledger.ErrBalanceOverflow, item.ID)
			}
			coins *= ledger.Coins(item.Quantity)
		}
		if total > ledger.Coins(math.MaxInt64)-coins {
			return 0, fmt.Errorf("%w: line items total", ledger.ErrBalanceOverflow)
		}
		total += coins
	}
	return total, nil
}

func parseCoins(raw string) ledger.Coins {
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || value <= 0 {
		return 0
	}
	return ledger.Coins(value)
}
