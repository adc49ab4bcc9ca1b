package serviceorder

import (
	"strings"
	"time"
)

// Paging defaults.
const (
	DefaultPageSize = 20
	MaxPageSize     = 1000
)

// Filter narrows an order listing. Zero values do not filter.
type Filter struct {
	Numero             int64
	Status             Status
	ContractID         string
	RequesterCompanyID string
	PayerCompanyID     string
	TitularID          string
	DependenteID       string
	OpenedFrom         *time.Time
	OpenedTo           *time.Time
	ClosedFrom         *time.Time
	ClosedTo           *time.Time
	MinTotal           *Money
	MaxTotal           *Money
	// Search matches numero, observacao and the contract number.
	Search string
	// Ordering is one of OrderingFields, optionally prefixed with "-".
	Ordering string
}

// OrderingFields are the sort keys a listing accepts.
var OrderingFields = []string{"numero", "status", "data_abertura", "valor_total", "data_criacao"}

const defaultOrdering = "-numero"

// Sort splits f.Ordering into a field and a direction, falling back to
// newest numero first.
func (f Filter) Sort() (field string, desc bool) {
	o := strings.TrimSpace(f.Ordering)
	if o == "" {
		o = defaultOrdering
	}
	desc = strings.HasPrefix(o, "-")
	return strings.TrimPrefix(o, "-"), desc
}

// ValidOrdering reports whether o names a known sort key.
func ValidOrdering(o string) bool {
	field := strings.TrimPrefix(strings.TrimSpace(o), "-")
	for _, f := range OrderingFields {
		if f == field {
			return true
		}
	}
	return false
}

// Page selects a slice of a listing. Number starts at 1.
type Page struct {
	Number int
	Size   int
}

// Normalize applies the defaults and bounds.
func (p Page) Normalize() Page {
	if p.Size <= 0 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	if p.Number < 1 {
		p.Number = 1
	}
	return p
}

// Clamp moves a page past the end of count rows back to the last one.
func (p Page) Clamp(count int64) Page {
	p = p.Normalize()
	last := int((count + int64(p.Size) - 1) / int64(p.Size))
	if last < 1 {
		last = 1
	}
	if p.Number > last {
		p.Number = last
	}
	return p
}

// Offset is the number of rows before the page.
func (p Page) Offset() int { return (p.Number - 1) * p.Size }

// Listing is one page of orders.
type Listing struct {
	Count    int64   `json:"count"`
	Page     int     `json:"page"`
	PageSize int     `json:"page_size"`
	Results  []Order `json:"results"`
}
