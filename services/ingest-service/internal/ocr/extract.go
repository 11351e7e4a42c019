package ocr

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/finvoice/pipeline/internal/models"
)

// ErrMissingInvoiceNum reports a success payload without the one field
// duplicate resolution depends on.
var ErrMissingInvoiceNum = errors.New("invoice number missing from recognition result")

// Fields is the structured invoice content pulled from a successful
// payload. Amount pointers are nil when the provider omitted the value
// and it could not be derived.
type Fields struct {
	InvoiceCode string
	InvoiceNum  string
	InvoiceDate *time.Time
	InvoiceType string
	ServiceType string

	PurchaserName        string
	PurchaserRegisterNum string
	PurchaserAddress     string
	PurchaserBank        string
	SellerName           string
	SellerRegisterNum    string
	SellerAddress        string
	SellerBank           string

	TotalAmount     *float64
	TotalTax        *float64
	AmountInWords   string
	AmountInFigures *float64

	Commodities []CommodityItem
}

// CommodityItem is one invoice line item, joined positionally from the
// provider's parallel field lists.
type CommodityItem struct {
	Row     string `json:"row"`
	Name    string `json:"name"`
	Amount  string `json:"amount"`
	TaxRate string `json:"tax_rate"`
	Tax     string `json:"tax"`
}

// Invoice dates arrive in a handful of layouts depending on the issuing
// software. Single-digit layout verbs also accept zero-padded values.
var invoiceDateLayouts = []string{
	"2006年1月2日",
	"20060102",
	"2006-01-02",
}

// Extract normalizes a successful payload into typed fields. It fails
// only when the invoice number is missing or the payload is empty;
// every other field degrades to its zero value.
func Extract(resp *models.OCRResponse) (*Fields, error) {
	if resp == nil || resp.Empty() {
		return nil, errors.New("empty recognition result")
	}
	wr := resp.WordsResult

	f := &Fields{
		InvoiceCode: wr["InvoiceCode"].First(),
		InvoiceNum:  wr["InvoiceNum"].First(),
		InvoiceType: wr["InvoiceType"].First(),
		ServiceType: wr["ServiceType"].First(),

		PurchaserName:        wr["PurchaserName"].First(),
		PurchaserRegisterNum: wr["PurchaserRegisterNum"].First(),
		PurchaserAddress:     wr["PurchaserAddress"].First(),
		PurchaserBank:        wr["PurchaserBank"].First(),
		SellerName:           wr["SellerName"].First(),
		SellerRegisterNum:    wr["SellerRegisterNum"].First(),
		SellerAddress:        wr["SellerAddress"].First(),
		SellerBank:           wr["SellerBank"].First(),

		AmountInWords: wr["AmountInWords"].First(),
	}
	if f.InvoiceNum == "" {
		return nil, ErrMissingInvoiceNum
	}

	if ds := wr["InvoiceDate"].First(); ds != "" {
		for _, layout := range invoiceDateLayouts {
			if t, err := time.Parse(layout, ds); err == nil {
				f.InvoiceDate = &t
				break
			}
		}
	}

	f.TotalAmount = parseAmount(wr["TotalAmount"].First())
	f.TotalTax = parseAmount(wr["TotalTax"].First())
	// The provider spells the gross amount key "AmountInFiguers"; accept
	// the corrected spelling too.
	gross := wr["AmountInFiguers"].First()
	if gross == "" {
		gross = wr["AmountInFigures"].First()
	}
	f.AmountInFigures = parseAmount(gross)
	deriveAmounts(f)

	f.Commodities = commodities(wr)
	return f, nil
}

// deriveAmounts fills whichever of net, tax, gross is missing from the
// other two, on the gross = net + tax identity. Derived values are never
// allowed to go negative.
func deriveAmounts(f *Fields) {
	switch {
	case f.AmountInFigures == nil && f.TotalAmount != nil && f.TotalTax != nil:
		v := *f.TotalAmount + *f.TotalTax
		f.AmountInFigures = &v
	case f.TotalAmount == nil && f.AmountInFigures != nil && f.TotalTax != nil:
		if v := *f.AmountInFigures - *f.TotalTax; v >= 0 {
			f.TotalAmount = &v
		}
	case f.TotalTax == nil && f.AmountInFigures != nil && f.TotalAmount != nil:
		if v := *f.AmountInFigures - *f.TotalAmount; v >= 0 {
			f.TotalTax = &v
		}
	}
}

func commodities(wr map[string]models.FieldValue) []CommodityItem {
	names := wr["CommodityName"].List()
	if len(names) == 0 {
		return nil
	}
	amounts := wr["CommodityAmount"].List()
	taxRates := wr["CommodityTaxRate"].List()
	taxes := wr["CommodityTax"].List()

	items := make([]CommodityItem, len(names))
	for i, name := range names {
		items[i] = CommodityItem{
			Row:     strconv.Itoa(i + 1),
			Name:    strings.TrimSpace(name),
			Amount:  at(amounts, i),
			TaxRate: at(taxRates, i),
			Tax:     at(taxes, i),
		}
	}
	return items
}

func at(list []string, i int) string {
	if i >= len(list) {
		return ""
	}
	return strings.TrimSpace(list[i])
}

func parseAmount(s string) *float64 {
	s = strings.TrimSpace(strings.TrimPrefix(s, "¥"))
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}
