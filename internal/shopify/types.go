package shopify

import (
	"strconv"
	"strings"
	"time"
)

type NoteAttribute struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type LineItem struct {
	ID        int64  `json:"id"`
	ProductID int64  `json:"product_id"`
	VariantID int64  `json:"variant_id"`
	Title     string `json:"title"`
	Quantity  int    `json:"quantity"`
	Price     string `json:"price"`
}

func (li LineItem) Amount() float64 {
	return money(li.Price) * float64(li.Quantity)
}

type Customer struct {
	ID          int64  `json:"id"`
	Email       string `json:"email"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	OrdersCount int    `json:"orders_count"`
	TotalSpent  string `json:"total_spent"`
}

type Order struct {
	ID             int64           `json:"id"`
	Name           string          `json:"name"`
	Email          string          `json:"email"`
	CreatedAt      time.Time       `json:"created_at"`
	CancelledAt    *time.Time      `json:"cancelled_at"`
	TotalPrice     string          `json:"total_price"`
	Currency       string          `json:"currency"`
	CartToken      string          `json:"cart_token"`
	CheckoutToken  string          `json:"checkout_token"`
	Customer       *Customer       `json:"customer"`
	LineItems      []LineItem      `json:"line_items"`
	NoteAttributes []NoteAttribute `json:"note_attributes"`
}

func (o Order) Total() float64 { return money(o.TotalPrice) }

// Note returns the value of a note attribute, trimmed.
func (o Order) Note(name string) (string, bool) {
	return note(o.NoteAttributes, name)
}

// Checkout is the checkouts/update webhook payload.
type Checkout struct {
	Token          string          `json:"token"`
	CartToken      string          `json:"cart_token"`
	CompletedAt    *time.Time      `json:"completed_at"`
	TotalPrice     string          `json:"total_price"`
	Currency       string          `json:"currency"`
	NoteAttributes []NoteAttribute `json:"note_attributes"`
}

func (c Checkout) Note(name string) (string, bool) {
	return note(c.NoteAttributes, name)
}

func note(attrs []NoteAttribute, name string) (string, bool) {
	for _, a := range attrs {
		if a.Name == name {
			v := strings.TrimSpace(a.Value)
			return v, v != ""
		}
	}
	return "", false
}

func money(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}
