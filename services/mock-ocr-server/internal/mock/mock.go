// Package mock fabricates deterministic recognition results so the
// pipeline can run end to end without provider credentials. The same
// bytes always produce the same invoice, which makes dedup behavior
// reproducible.
package mock

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/finvoice/pipeline/internal/models"
)

// Failure modes the admin endpoint can arm. Each armed mode applies to
// the next N recognition calls, then the server goes back to normal.
const (
	ModeOK       = "ok"
	ModeQPSLimit = "qps_limit"
	ModeEmpty    = "empty"
	ModeError    = "error"
)

var (
	modeMutex sync.Mutex
	mode      = ModeOK
	modeLeft  = 0
)

// SetMode arms a failure mode for the next times calls.
func SetMode(m string, times int) error {
	switch m {
	case ModeOK, ModeQPSLimit, ModeEmpty, ModeError:
	default:
		return fmt.Errorf("unknown mode %q", m)
	}
	modeMutex.Lock()
	defer modeMutex.Unlock()
	mode = m
	modeLeft = times
	return nil
}

func takeMode() string {
	modeMutex.Lock()
	defer modeMutex.Unlock()
	if mode == ModeOK || modeLeft <= 0 {
		return ModeOK
	}
	current := mode
	modeLeft--
	if modeLeft == 0 {
		mode = ModeOK
	}
	return current
}

var sellers = []string{
	"杭州云服科技有限公司",
	"Acme Cloud Services Ltd.",
	"北京数联信息技术有限公司",
	"Globex Consulting GmbH",
}

var commodityNames = []string{
	"技术服务费",
	"咨询服务",
	"软件订阅",
	"设备租赁",
}

// Recognize builds the response for one document. All invoice fields are
// derived from the content digest, so re-submitting the same bytes yields
// the same invoice number.
func Recognize(content []byte) models.OCRResponse {
	switch takeMode() {
	case ModeQPSLimit:
		return models.OCRResponse{ErrorCode: 18, ErrorMsg: "Open api qps request limit reached"}
	case ModeError:
		return models.OCRResponse{ErrorCode: 216201, ErrorMsg: "image format error"}
	case ModeEmpty:
		return models.OCRResponse{WordsResultNum: 0, WordsResult: map[string]models.FieldValue{}}
	}

	digest := sha256.Sum256(content)
	hexDigest := hex.EncodeToString(digest[:])
	seed := binary.BigEndian.Uint64(digest[:8])

	net := float64(100+seed%9900) / 10
	tax := net * 0.13
	seller := sellers[seed%uint64(len(sellers))]
	lineItems := 1 + int(seed%3)

	names := make([]string, lineItems)
	amounts := make([]string, lineItems)
	taxRates := make([]string, lineItems)
	taxes := make([]string, lineItems)
	for i := 0; i < lineItems; i++ {
		names[i] = commodityNames[(int(seed%1000)+i)%len(commodityNames)]
		amounts[i] = fmt.Sprintf("%.2f", net/float64(lineItems))
		taxRates[i] = "13%"
		taxes[i] = fmt.Sprintf("%.2f", tax/float64(lineItems))
	}

	return models.OCRResponse{
		WordsResultNum: 15,
		WordsResult: map[string]models.FieldValue{
			"InvoiceCode":      models.Field(fmt.Sprintf("%012d", seed%1000000000000)),
			"InvoiceNum":       models.Field(hexDigest[:8]),
			"InvoiceDate":      models.Field(fmt.Sprintf("2025年%02d月%02d日", 1+seed%12, 1+seed%28)),
			"InvoiceType":      models.Field("增值税电子普通发票"),
			"ServiceType":      models.Field("现代服务"),
			"PurchaserName":    models.Field("示例科技有限公司"),
			"SellerName":       models.Field(seller),
			"TotalAmount":      models.Field(fmt.Sprintf("%.2f", net)),
			"TotalTax":         models.Field(fmt.Sprintf("%.2f", tax)),
			"AmountInFiguers":  models.Field(fmt.Sprintf("%.2f", net+tax)),
			"AmountInWords":    models.Field("壹佰元整"),
			"CommodityName":    models.FieldList(names...),
			"CommodityAmount":  models.FieldList(amounts...),
			"CommodityTaxRate": models.FieldList(taxRates...),
			"CommodityTax":     models.FieldList(taxes...),
		},
	}
}
