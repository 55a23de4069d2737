package api

import "github.com/shubham-shewale/stock-relay/pkg/models"

// Res is the envelope of every JSON response.
type Res struct {
	Success bool        `json:"success"`
	Error   interface{} `json:"error"`
	Data    interface{} `json:"data"`
}

type ErrorType struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type QuotesQuery struct {
	Symbols string `form:"symbols" binding:"omitempty,max=512,printascii"`
}

type QuotesRes struct {
	Quotes []models.CardUpdate `json:"quotes"`
}

type HealthRes struct {
	Status    string            `json:"status"`
	Providers map[string]string `json:"providers"`
	Clients   int               `json:"clients"`
	Symbols   int               `json:"symbols"`
}
