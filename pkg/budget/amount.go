// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package budget

import (
	"fmt"
	"math"
)

// Amount is a quantity of money in micro-dollars (1e-6 USD).
// Integer arithmetic keeps ledger totals exact.
type Amount int64

const (
	// Microdollar is the smallest representable amount.
	Microdollar Amount = 1
	// Cent is one hundredth of a dollar.
	Cent Amount = 10_000
	// Dollar is one US dollar.
	Dollar Amount = 1_000_000
)

// USD converts a dollar figure (as found in configuration and provider
// price sheets) to an Amount, rounding to the nearest micro-dollar.
func USD(v float64) Amount {
	return Amount(math.Round(v * float64(Dollar)))
}

// Dollars returns the amount as a float dollar figure for display.
func (a Amount) Dollars() float64 {
	return float64(a) / float64(Dollar)
}

// String renders the amount as "$1.234567".
func (a Amount) String() string {
	return fmt.Sprintf("$%.6f", a.Dollars())
}
