package model

// Plan is a purchasable subscription period. Plans come from configuration.
type Plan struct {
	Code  string
	Days  int
	Price int64
}
