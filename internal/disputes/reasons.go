package disputes

import (
	"fmt"
	"regexp"
	"strings"
)

// CardBrand represents the card network brand.
type CardBrand string

const (
	BrandVisa       CardBrand = "VISA"
	BrandMastercard CardBrand = "MASTERCARD"
)

// ReasonCode is a network chargeback reason code.
type ReasonCode struct {
	Code        string    `json:"code"`
	Description string    `json:"description"`
	Brand       CardBrand `json:"brand"`
	Category    string    `json:"category"`
	Fraud       bool      `json:"fraud"`
}

func visa(code, category, description string, fraud bool) ReasonCode {
	return ReasonCode{Code: code, Description: description, Brand: BrandVisa, Category: category, Fraud: fraud}
}

func mastercard(code, category, description string, fraud bool) ReasonCode {
	return ReasonCode{Code: code, Description: description, Brand: BrandMastercard, Category: category, Fraud: fraud}
}

// reasonCodes is the catalogue chargeback events are checked against.
var reasonCodes = func() map[string]ReasonCode {
	list := []ReasonCode{
		visa("10.1", "Fraud", "EMV liability shift counterfeit", true),
		visa("10.2", "Fraud", "EMV liability shift non-counterfeit", true),
		visa("10.3", "Fraud", "Other fraud, card present", true),
		visa("10.4", "Fraud", "Other fraud, card absent", true),
		visa("10.5", "Fraud", "Visa fraud monitoring program", true),
		visa("11.1", "Authorization", "Card recovery bulletin", false),
		visa("11.2", "Authorization", "Declined authorization", false),
		visa("11.3", "Authorization", "No authorization", false),
		visa("12.1", "Processing Error", "Late presentment", false),
		visa("12.2", "Processing Error", "Incorrect transaction code", false),
		visa("12.3", "Processing Error", "Incorrect currency", false),
		visa("12.4", "Processing Error", "Incorrect account number", false),
		visa("12.5", "Processing Error", "Incorrect amount", false),
		visa("12.6", "Processing Error", "Duplicate processing or paid by other means", false),
		visa("13.1", "Consumer Dispute", "Merchandise or services not received", false),
		visa("13.2", "Consumer Dispute", "Cancelled recurring transaction", false),
		visa("13.3", "Consumer Dispute", "Not as described or defective", false),
		visa("13.5", "Consumer Dispute", "Misrepresentation", false),
		visa("13.6", "Consumer Dispute", "Credit not processed", false),
		visa("13.7", "Consumer Dispute", "Cancelled merchandise or services", false),
		mastercard("4808", "Authorization", "Authorization-related chargeback", false),
		mastercard("4834", "Processing Error", "Point-of-interaction error", false),
		mastercard("4837", "Fraud", "No cardholder authorization", true),
		mastercard("4840", "Fraud", "Fraudulent processing of transactions", true),
		mastercard("4841", "Consumer Dispute", "Cancelled recurring or digital goods", false),
		mastercard("4842", "Processing Error", "Late presentment", false),
		mastercard("4849", "Fraud", "Questionable merchant activity", true),
		mastercard("4853", "Consumer Dispute", "Cardholder dispute", false),
		mastercard("4855", "Consumer Dispute", "Goods or services not provided", false),
		mastercard("4860", "Consumer Dispute", "Credit not processed", false),
		mastercard("4863", "Fraud", "Cardholder does not recognize", true),
		mastercard("4870", "Fraud", "Chip liability shift", true),
		mastercard("4871", "Fraud", "Chip/PIN liability shift", true),
	}
	m := make(map[string]ReasonCode, len(list))
	for _, rc := range list {
		m[rc.Code] = rc
	}
	return m
}()

var whitespace = regexp.MustCompile(`\s+`)

// LookupReasonCode finds a network reason code.
func LookupReasonCode(code string) (*ReasonCode, error) {
	clean := strings.ToUpper(whitespace.ReplaceAllString(strings.TrimSpace(code), ""))
	if clean == "" {
		return nil, fmt.Errorf("reason code cannot be empty")
	}
	rc, ok := reasonCodes[clean]
	if !ok {
		return nil, fmt.Errorf("invalid reason code: %s", code)
	}
	return &rc, nil
}
