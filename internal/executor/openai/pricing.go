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

package openai

import (
	"math"
	"strings"

	"github.com/tombee/pipewright/pkg/budget"
)

// ModelPricing is the per-token price of a model in USD per million tokens.
type ModelPricing struct {
	Model                 string  `yaml:"model" json:"model"`
	InputPricePerMillion  float64 `yaml:"input_price_per_million" json:"input_price_per_million"`
	OutputPricePerMillion float64 `yaml:"output_price_per_million" json:"output_price_per_million"`
}

// builtInPricing lists published prices. Dated snapshots resolve through
// their base model name.
var builtInPricing = []ModelPricing{
	{Model: "gpt-4o", InputPricePerMillion: 2.50, OutputPricePerMillion: 10.00},
	{Model: "gpt-4o-mini", InputPricePerMillion: 0.15, OutputPricePerMillion: 0.60},
	{Model: "gpt-4.1", InputPricePerMillion: 2.00, OutputPricePerMillion: 8.00},
	{Model: "gpt-4.1-mini", InputPricePerMillion: 0.40, OutputPricePerMillion: 1.60},
	{Model: "gpt-4.1-nano", InputPricePerMillion: 0.10, OutputPricePerMillion: 0.40},
	{Model: "gpt-4-turbo", InputPricePerMillion: 10.00, OutputPricePerMillion: 30.00},
	{Model: "gpt-4", InputPricePerMillion: 30.00, OutputPricePerMillion: 60.00},
	{Model: "gpt-3.5-turbo", InputPricePerMillion: 0.50, OutputPricePerMillion: 1.50},
	{Model: "o1", InputPricePerMillion: 15.00, OutputPricePerMillion: 60.00},
	{Model: "o1-mini", InputPricePerMillion: 3.00, OutputPricePerMillion: 12.00},
	{Model: "o3-mini", InputPricePerMillion: 1.10, OutputPricePerMillion: 4.40},
	// Gemini through its OpenAI-compatible endpoint.
	{Model: "gemini-2.0-flash", InputPricePerMillion: 0.10, OutputPricePerMillion: 0.40},
	{Model: "gemini-2.0-flash-lite", InputPricePerMillion: 0.075, OutputPricePerMillion: 0.30},
	{Model: "gemini-1.5-flash", InputPricePerMillion: 0.075, OutputPricePerMillion: 0.30},
	{Model: "gemini-1.5-pro", InputPricePerMillion: 1.25, OutputPricePerMillion: 5.00},
}

// LookupPricing returns the built-in price for model. The longest model
// name that prefixes model wins, so "gpt-4o-mini-2024-07-18" resolves to
// gpt-4o-mini rather than gpt-4o.
func LookupPricing(model string) (ModelPricing, bool) {
	var best ModelPricing
	found := false
	for _, p := range builtInPricing {
		if model == p.Model || strings.HasPrefix(model, p.Model+"-") {
			if !found || len(p.Model) > len(best.Model) {
				best, found = p, true
			}
		}
	}
	return best, found
}

// Cost computes what a request cost from its token usage.
func (p ModelPricing) Cost(promptTokens, completionTokens int) budget.Amount {
	usd := float64(promptTokens)/1_000_000*p.InputPricePerMillion +
		float64(completionTokens)/1_000_000*p.OutputPricePerMillion
	return budget.USD(usd)
}

// MaxCost is the worst case for a prompt of promptChars characters capped at
// maxTokens completion tokens. It rounds up so it is safe as a reservation.
func (p ModelPricing) MaxCost(promptChars, maxTokens int) budget.Amount {
	usd := float64(EstimateTokens(promptChars))/1_000_000*p.InputPricePerMillion +
		float64(maxTokens)/1_000_000*p.OutputPricePerMillion
	return budget.Amount(math.Ceil(usd * float64(budget.Dollar)))
}

// EstimateTokens approximates a token count at ~4 characters per token,
// rounding up.
func EstimateTokens(chars int) int {
	if chars <= 0 {
		return 0
	}
	return (chars + 3) / 4
}
