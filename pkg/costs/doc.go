// Package costs provides deterministic cost calculation for metered AI API
// calls.
//
// The Calculator resolves a model to a pricing entry and multiplies token
// counts by the per-1K rates. Resolution order is:
//
//  1. Exact model name
//  2. Provider-qualified name ("openai/gpt-4o")
//  3. Longest matching prefix ("gpt-4o-2024-08-06" matches "gpt-4o"); a
//     trailing "-latest" on a table key is ignored for prefix matching
//  4. The "default" entry, when the table defines one
//
// A model that resolves to nothing costs zero. That is not an error: the
// calculator logs it as a data-quality signal and reports it through the
// unknown-model hook so callers can count it.
//
// The pricing table can be replaced at runtime with UpdatePricing, which is
// how configuration reloads reach the calculator.
package costs
