package extractor

import "strings"

// Normalized voucher fields
const (
	fieldCode   = "Code"
	fieldValue  = "Value"
	fieldPin    = "Pin"
	fieldExpiry = "Expiry"
)

// fieldLabels maps the labels used across notification templates to
// normalized field names. Keys are lower-cased.
var fieldLabels = map[string]string{
	"code":                     fieldCode,
	"promo code":               fieldCode,
	"daily objects promo code": fieldCode,
	"gift voucher code":        fieldCode,
	"e-voucher code":           fieldCode,
	"evoucher code":            fieldCode,
	"gift card code":           fieldCode,
	"voucher code":             fieldCode,
	"e-gift card code":         fieldCode,
	"egift card code":          fieldCode,
	"card number":              fieldCode,
	"gift card number":         fieldCode,

	"value":              fieldValue,
	"gift voucher value": fieldValue,
	"voucher value":      fieldValue,
	"gift card value":    fieldValue,
	"denomination":       fieldValue,
	"amount":             fieldValue,

	"pin":              fieldPin,
	"gift voucher pin": fieldPin,
	"voucher pin":      fieldPin,
	"gift card pin":    fieldPin,
	"card pin":         fieldPin,

	"valid until":     fieldExpiry,
	"valid till":      fieldExpiry,
	"validity":        fieldExpiry,
	"expiry":          fieldExpiry,
	"expiry date":     fieldExpiry,
	"expiration date": fieldExpiry,
	"expires on":      fieldExpiry,
}

// normalizeField maps a template label to a normalized field name.
func normalizeField(label string) (string, bool) {
	label = strings.ReplaceAll(label, ":", "")
	label = strings.ToLower(strings.Join(strings.Fields(label), " "))
	field, ok := fieldLabels[label]
	return field, ok
}
