// Package events defines the inbound event contract: the envelope every
// upstream service wraps its payloads in, the closed set of known event
// kinds, and the typed payload for each kind. Decoding is fail-closed on
// missing required fields and forward-compatible on unknown kinds.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Topic names this node subscribes to. One broker consumer is created per
// entry; the set is fixed at compile time.
const (
	TopicUserEvents        = "user-events"
	TopicCustomerEvents    = "customer-events"
	TopicProductEvents     = "product-events"
	TopicStockEvents       = "stock-events"
	TopicOrderEvents       = "order-events"
	TopicOrderStatusEvents = "order-status-events"
	TopicInvoiceEvents     = "invoice-events"
	TopicTransactionEvents = "transaction-events"
	TopicBudgetEvents      = "budget-events"
	TopicAccountEvents     = "account-events"
)

// Topics returns the full subscription set in a stable order.
func Topics() []string {
	return []string{
		TopicUserEvents,
		TopicCustomerEvents,
		TopicProductEvents,
		TopicStockEvents,
		TopicOrderEvents,
		TopicOrderStatusEvents,
		TopicInvoiceEvents,
		TopicTransactionEvents,
		TopicBudgetEvents,
		TopicAccountEvents,
	}
}

// Kind enumerates every event this node knows how to handle. Anything
// outside the enumeration decodes to KindIgnored rather than an error so
// upstream services can add event types without breaking ingestion.
type Kind int

const (
	KindIgnored Kind = iota
	KindUserCreated
	KindUserUpdated
	KindUserDeleted
	KindCustomerCreated
	KindProductCreated
	KindProductUpdated
	KindProductDeleted
	KindStockLow
	KindStockReplenished
	KindOrderCreated
	KindOrderStatusChanged
	KindInvoiceCreated
	KindInvoicePaid
	KindTransactionCreated
	KindBudgetUpdated
	KindBudgetExceeded
	KindAccountCreated
	KindAccountBalanceUpdated
)

// Wire event-type discriminators, as emitted by the upstream services.
const (
	TypeUserCreated           = "identity.user.created"
	TypeUserUpdated           = "identity.user.updated"
	TypeUserDeleted           = "identity.user.deleted"
	TypeCustomerCreated       = "identity.customer.created"
	TypeProductCreated        = "inventory.product.created"
	TypeProductUpdated        = "inventory.product.updated"
	TypeProductDeleted        = "inventory.product.deleted"
	TypeStockLow              = "inventory.stock.low"
	TypeStockReplenished      = "inventory.stock.replenished"
	TypeOrderCreated          = "sales.order.created"
	TypeOrderStatusChanged    = "sales.order.status_changed"
	TypeInvoiceCreated        = "financial.invoice.created"
	TypeInvoicePaid           = "financial.invoice.paid"
	TypeTransactionCreated    = "financial.transaction.created"
	TypeBudgetUpdated         = "financial.budget.updated"
	TypeBudgetExceeded        = "financial.budget.exceeded"
	TypeAccountCreated        = "financial.account.created"
	TypeAccountBalanceUpdated = "financial.account.balance_updated"
)

// DecodeError marks a permanently malformed message: bad JSON or a payload
// missing required fields. Such messages are dropped, never retried.
type DecodeError struct {
	Topic  string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed event on topic %s: %s", e.Topic, e.Reason)
}

// envelope is the stable wrapper every upstream event arrives in.
type envelope struct {
	EventType string          `json:"eventType"`
	Timestamp *time.Time      `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Event is the decoded tagged union. Kind selects which payload pointer is
// set; exactly one is non-nil unless Kind is KindIgnored.
type Event struct {
	Kind      Kind
	Type      string
	Timestamp time.Time

	User        *UserPayload
	Customer    *CustomerPayload
	Product     *ProductPayload
	Stock       *StockPayload
	Order       *OrderPayload
	OrderStatus *OrderStatusPayload
	Invoice     *InvoicePayload
	Transaction *TransactionPayload
	Budget      *BudgetPayload
	Account     *AccountPayload
}

// UserPayload carries the identity service's absolute user count alongside
// the changed user's id.
type UserPayload struct {
	UserID     string  `json:"userId"`
	Email      string  `json:"email"`
	TotalUsers float64 `json:"totalUsers"`
}

type CustomerPayload struct {
	CustomerID     string  `json:"customerId"`
	TotalCustomers float64 `json:"totalCustomers"`
}

type ProductPayload struct {
	ProductID      string   `json:"productId"`
	Name           string   `json:"name"`
	Category       string   `json:"category"`
	TotalProducts  float64  `json:"totalProducts"`
	InventoryValue *float64 `json:"inventoryValue"`
}

type StockPayload struct {
	ProductID   string   `json:"productId"`
	ProductName string   `json:"productName"`
	StockLevel  float64  `json:"stockLevel"`
	Threshold   *float64 `json:"threshold"`
	// TotalLowStock is the absolute count of products currently under
	// threshold, when the inventory service includes it.
	TotalLowStock *float64 `json:"totalLowStock"`
}

type OrderPayload struct {
	OrderID     string   `json:"orderId"`
	CustomerID  string   `json:"customerId"`
	Amount      float64  `json:"amount"`
	TotalOrders float64  `json:"totalOrders"`
	OrdersToday *float64 `json:"ordersToday"`
}

type OrderStatusPayload struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

type InvoicePayload struct {
	InvoiceID string  `json:"invoiceId"`
	Amount    float64 `json:"amount"`
	Status    string  `json:"status"`
}

// TransactionPayload carries a delta, not an absolute value. TransactionID
// doubles as the idempotency token; some producers omit it, in which case
// redelivery protection is best-effort only.
type TransactionPayload struct {
	TransactionID string
	Amount        float64
	// Type is "credit" or "debit"; empty is treated as credit.
	Type string
}

// transactionWire is the on-wire shape. Amount is a pointer so an absent
// amount is distinguishable from a legitimate zero-value delta.
type transactionWire struct {
	TransactionID string   `json:"transactionId"`
	Amount        *float64 `json:"amount"`
	Type          string   `json:"transactionType"`
}

type BudgetPayload struct {
	BudgetID string  `json:"budgetId"`
	Category string  `json:"category"`
	Limit    float64 `json:"limit"`
	Spent    float64 `json:"spent"`
}

type AccountPayload struct {
	AccountID string  `json:"accountId"`
	Name      string  `json:"name"`
	Balance   float64 `json:"balance"`
}

var knownTopics = func() map[string]struct{} {
	m := make(map[string]struct{})
	for _, t := range Topics() {
		m[t] = struct{}{}
	}
	return m
}()

// KnownTopic reports whether this node subscribes to the given topic.
func KnownTopic(topic string) bool {
	_, ok := knownTopics[topic]
	return ok
}

// Decode parses a raw broker message into a typed Event. Unknown topics and
// unknown event types yield KindIgnored with a nil error. Bad JSON or a
// payload missing required fields yields a *DecodeError.
func Decode(topic string, raw []byte) (Event, error) {
	if !KnownTopic(topic) {
		return Event{Kind: KindIgnored}, nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, &DecodeError{Topic: topic, Reason: "invalid JSON envelope"}
	}
	if env.EventType == "" {
		return Event{}, &DecodeError{Topic: topic, Reason: "missing eventType"}
	}

	ev := Event{Type: env.EventType, Timestamp: time.Now().UTC()}
	if env.Timestamp != nil {
		ev.Timestamp = env.Timestamp.UTC()
	}

	switch env.EventType {
	case TypeUserCreated, TypeUserUpdated, TypeUserDeleted:
		p := &UserPayload{}
		if err := decodeData(topic, env.Data, p); err != nil {
			return Event{}, err
		}
		if p.UserID == "" {
			return Event{}, &DecodeError{Topic: topic, Reason: "user event missing userId"}
		}
		ev.User = p
		switch env.EventType {
		case TypeUserCreated:
			ev.Kind = KindUserCreated
		case TypeUserUpdated:
			ev.Kind = KindUserUpdated
		default:
			ev.Kind = KindUserDeleted
		}

	case TypeCustomerCreated:
		p := &CustomerPayload{}
		if err := decodeData(topic, env.Data, p); err != nil {
			return Event{}, err
		}
		if p.CustomerID == "" {
			return Event{}, &DecodeError{Topic: topic, Reason: "customer event missing customerId"}
		}
		ev.Kind, ev.Customer = KindCustomerCreated, p

	case TypeProductCreated, TypeProductUpdated, TypeProductDeleted:
		p := &ProductPayload{}
		if err := decodeData(topic, env.Data, p); err != nil {
			return Event{}, err
		}
		if p.ProductID == "" {
			return Event{}, &DecodeError{Topic: topic, Reason: "product event missing productId"}
		}
		ev.Product = p
		switch env.EventType {
		case TypeProductCreated:
			ev.Kind = KindProductCreated
		case TypeProductUpdated:
			ev.Kind = KindProductUpdated
		default:
			ev.Kind = KindProductDeleted
		}

	case TypeStockLow, TypeStockReplenished:
		p := &StockPayload{}
		if err := decodeData(topic, env.Data, p); err != nil {
			return Event{}, err
		}
		if p.ProductID == "" {
			return Event{}, &DecodeError{Topic: topic, Reason: "stock event missing productId"}
		}
		if env.EventType == TypeStockLow {
			ev.Kind = KindStockLow
		} else {
			ev.Kind = KindStockReplenished
		}
		ev.Stock = p

	case TypeOrderCreated:
		p := &OrderPayload{}
		if err := decodeData(topic, env.Data, p); err != nil {
			return Event{}, err
		}
		if p.OrderID == "" {
			return Event{}, &DecodeError{Topic: topic, Reason: "order event missing orderId"}
		}
		ev.Kind, ev.Order = KindOrderCreated, p

	case TypeOrderStatusChanged:
		p := &OrderStatusPayload{}
		if err := decodeData(topic, env.Data, p); err != nil {
			return Event{}, err
		}
		if p.OrderID == "" || p.Status == "" {
			return Event{}, &DecodeError{Topic: topic, Reason: "order status event missing orderId or status"}
		}
		ev.Kind, ev.OrderStatus = KindOrderStatusChanged, p

	case TypeInvoiceCreated, TypeInvoicePaid:
		p := &InvoicePayload{}
		if err := decodeData(topic, env.Data, p); err != nil {
			return Event{}, err
		}
		if p.InvoiceID == "" {
			return Event{}, &DecodeError{Topic: topic, Reason: "invoice event missing invoiceId"}
		}
		if env.EventType == TypeInvoicePaid {
			ev.Kind = KindInvoicePaid
		} else {
			ev.Kind = KindInvoiceCreated
		}
		ev.Invoice = p

	case TypeTransactionCreated:
		w := &transactionWire{}
		if err := decodeData(topic, env.Data, w); err != nil {
			return Event{}, err
		}
		if w.Amount == nil {
			return Event{}, &DecodeError{Topic: topic, Reason: "transaction event missing amount"}
		}
		ev.Kind = KindTransactionCreated
		ev.Transaction = &TransactionPayload{
			TransactionID: w.TransactionID,
			Amount:        *w.Amount,
			Type:          w.Type,
		}

	case TypeBudgetUpdated, TypeBudgetExceeded:
		p := &BudgetPayload{}
		if err := decodeData(topic, env.Data, p); err != nil {
			return Event{}, err
		}
		if p.BudgetID == "" {
			return Event{}, &DecodeError{Topic: topic, Reason: "budget event missing budgetId"}
		}
		if env.EventType == TypeBudgetExceeded {
			ev.Kind = KindBudgetExceeded
		} else {
			ev.Kind = KindBudgetUpdated
		}
		ev.Budget = p

	case TypeAccountCreated, TypeAccountBalanceUpdated:
		p := &AccountPayload{}
		if err := decodeData(topic, env.Data, p); err != nil {
			return Event{}, err
		}
		if p.AccountID == "" {
			return Event{}, &DecodeError{Topic: topic, Reason: "account event missing accountId"}
		}
		if env.EventType == TypeAccountCreated {
			ev.Kind = KindAccountCreated
		} else {
			ev.Kind = KindAccountBalanceUpdated
		}
		ev.Account = p

	default:
		// Unknown event type on a known topic: tolerated, not an error.
		return Event{Kind: KindIgnored, Type: env.EventType}, nil
	}

	return ev, nil
}

func decodeData(topic string, data json.RawMessage, dst any) error {
	if len(data) == 0 {
		return &DecodeError{Topic: topic, Reason: "missing data"}
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return &DecodeError{Topic: topic, Reason: "invalid data shape: " + err.Error()}
	}
	return nil
}
