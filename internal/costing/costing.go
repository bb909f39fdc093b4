package costing

import "github.com/shopspring/decimal"

// places keeps unit costs at a fixed scale so repeated receipts do not grow
// the decimal representation without bound.
const places = 4

var floor = decimal.New(1, -places)

// WeightedAverage returns the new average unit cost after receiving
// receivedQty units at receivedCost, with onHandQty units already valued at
// currentAvg. On-hand quantity is the product's total across all locations,
// read in the same transaction snapshot as the receipt.
func WeightedAverage(onHandQty int, currentAvg decimal.Decimal, receivedQty int, receivedCost decimal.Decimal) decimal.Decimal {
	if receivedQty <= 0 || !receivedCost.IsPositive() {
		return currentAvg
	}
	if onHandQty <= 0 || !currentAvg.IsPositive() {
		return receivedCost.Round(places)
	}

	onHand := decimal.NewFromInt(int64(onHandQty))
	received := decimal.NewFromInt(int64(receivedQty))
	totalValue := currentAvg.Mul(onHand).Add(receivedCost.Mul(received))
	avg := totalValue.DivRound(onHand.Add(received), places)
	if avg.LessThan(floor) {
		return floor
	}
	return avg
}
