package trading

import (
	"fmt"
	"strings"
)

const (
	oilIDLen         = 4
	deliveryBasisEnd = 7
	minProductIDLen  = deliveryBasisEnd + 1
)

// ProductCode holds the sub-codes embedded in an exchange product id.
type ProductCode struct {
	OilID           string
	DeliveryBasisID string
	DeliveryTypeID  string
}

// SplitProductCode decomposes an exchange product id by fixed character ranges:
// [0:4] oil, [4:7] delivery basis, last character delivery type.
func SplitProductCode(productID string) (ProductCode, error) {
	runes := []rune(strings.TrimSpace(productID))
	if len(runes) < minProductIDLen {
		return ProductCode{}, fmt.Errorf("product id %q shorter than %d characters", productID, minProductIDLen)
	}
	return ProductCode{
		OilID:           string(runes[:oilIDLen]),
		DeliveryBasisID: string(runes[oilIDLen:deliveryBasisEnd]),
		DeliveryTypeID:  string(runes[len(runes)-1]),
	}, nil
}
