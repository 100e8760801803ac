// internal/api/schemas.go
package api

import "deal-engine/internal/common/validation"

func fptr(v float64) *float64 { return &v }
func iptr(v int) *int         { return &v }

var idProperty = validation.Property{Type: "string", MinLength: iptr(1), MaxLength: iptr(64)}

var dealRequestSchema = validation.JSONSchema{
	Type: "object",
	Properties: map[string]validation.Property{
		"customerId": idProperty,
		"carIds": {
			Type:  "array",
			Items: &validation.Property{Type: "string", MinLength: iptr(1)},
		},
	},
	Required: []string{"customerId", "carIds"},
}

var acceptOfferSchema = validation.JSONSchema{
	Type: "object",
	Properties: map[string]validation.Property{
		"customerId":    idProperty,
		"negotiationId": idProperty,
	},
	Required: []string{"customerId", "negotiationId"},
}

var declineOfferSchema = acceptOfferSchema

var customerCancelSchema = validation.JSONSchema{
	Type: "object",
	Properties: map[string]validation.Property{
		"customerId":    idProperty,
		"selectedCarId": idProperty,
	},
	Required: []string{"customerId", "selectedCarId"},
}

var cancelAcceptedDealSchema = validation.JSONSchema{
	Type: "object",
	Properties: map[string]validation.Property{
		"customerId":     idProperty,
		"acceptedDealId": idProperty,
	},
	Required: []string{"customerId", "acceptedDealId"},
}

var scheduleTestDriveSchema = validation.JSONSchema{
	Type: "object",
	Properties: map[string]validation.Property{
		"customerId":     idProperty,
		"acceptedDealId": idProperty,
		"preferredDate":  {Type: "string", MaxLength: iptr(32)},
		"preferredTime":  {Type: "string", MaxLength: iptr(32)},
		"notes":          {Type: "string", MaxLength: iptr(2000)},
	},
	Required: []string{"customerId", "acceptedDealId"},
}

var submitOfferSchema = validation.JSONSchema{
	Type: "object",
	Properties: map[string]validation.Property{
		"dealerId":      idProperty,
		"selectedCarId": idProperty,
		"offerPrice":    {Type: "number", Minimum: fptr(1)},
	},
	Required: []string{"dealerId", "selectedCarId", "offerPrice"},
}

var markSoldSchema = validation.JSONSchema{
	Type: "object",
	Properties: map[string]validation.Property{
		"dealerId":       idProperty,
		"acceptedDealId": idProperty,
		"finalPrice":     {Type: "number", Minimum: fptr(1)},
	},
	Required: []string{"dealerId", "acceptedDealId"},
}

var dealerDealSchema = validation.JSONSchema{
	Type: "object",
	Properties: map[string]validation.Property{
		"dealerId":       idProperty,
		"acceptedDealId": idProperty,
	},
	Required: []string{"dealerId", "acceptedDealId"},
}

var dealerCancelSchema = validation.JSONSchema{
	Type: "object",
	Properties: map[string]validation.Property{
		"dealerId":      idProperty,
		"selectedCarId": idProperty,
	},
	Required: []string{"dealerId", "selectedCarId"},
}
