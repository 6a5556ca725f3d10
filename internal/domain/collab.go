package domain

// PurchaseResult is the raw answer of the purchase service to a purchase
// request. OK is decided by the client from the response body.
type PurchaseResult struct {
	OK     bool
	Status int
	Body   string
}

// LotReport lists the lot ids touched by a bulk deactivation.
type LotReport struct {
	Deactivated []int `json:"ok"`
	Skipped     []int `json:"skip"`
	Failed      []int `json:"err"`
}
