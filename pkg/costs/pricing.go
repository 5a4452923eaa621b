package costs

// DefaultPricing returns the built-in pricing table. Keys are model names;
// provider-qualified keys ("provider/model") take precedence over prefixes.
func DefaultPricing() map[string]Pricing {
	fc := []string{"function_calling", "json_mode"}
	vfc := []string{"vision", "function_calling", "json_mode"}
	return map[string]Pricing{
		// OpenAI
		"gpt-4o":        {InputPer1K: 0.0025, OutputPer1K: 0.01, Provider: "openai", Tier: TierStandard, ContextWindow: 128000, Capabilities: vfc},
		"gpt-4o-mini":   {InputPer1K: 0.00015, OutputPer1K: 0.0006, Provider: "openai", Tier: TierBudget, ContextWindow: 128000, Capabilities: vfc},
		"gpt-4-turbo":   {InputPer1K: 0.01, OutputPer1K: 0.03, Provider: "openai", Tier: TierPremium, ContextWindow: 128000, Capabilities: vfc},
		"gpt-4":         {InputPer1K: 0.03, OutputPer1K: 0.06, Provider: "openai", Tier: TierPremium, ContextWindow: 8192, Capabilities: fc},
		"gpt-3.5-turbo": {InputPer1K: 0.0005, OutputPer1K: 0.0015, Provider: "openai", Tier: TierBudget, ContextWindow: 16385, Capabilities: fc},
		"o1-preview":    {InputPer1K: 0.015, OutputPer1K: 0.06, Provider: "openai", Tier: TierPremium, ContextWindow: 128000, Capabilities: []string{"reasoning"}},
		"o1-mini":       {InputPer1K: 0.003, OutputPer1K: 0.012, Provider: "openai", Tier: TierStandard, ContextWindow: 128000, Capabilities: []string{"reasoning"}},

		// Anthropic
		"claude-3-5-sonnet-latest": {InputPer1K: 0.003, OutputPer1K: 0.015, Provider: "anthropic", Tier: TierStandard, ContextWindow: 200000, Capabilities: []string{"vision", "function_calling"}},
		"claude-3-sonnet":          {InputPer1K: 0.003, OutputPer1K: 0.015, Provider: "anthropic", Tier: TierStandard, ContextWindow: 200000, Capabilities: []string{"vision", "function_calling"}},
		"claude-3-opus-latest":     {InputPer1K: 0.015, OutputPer1K: 0.075, Provider: "anthropic", Tier: TierPremium, ContextWindow: 200000, Capabilities: []string{"vision", "function_calling"}},
		"claude-3-haiku-latest":    {InputPer1K: 0.00025, OutputPer1K: 0.00125, Provider: "anthropic", Tier: TierBudget, ContextWindow: 200000, Capabilities: []string{"vision", "function_calling"}},

		// Local models
		"llama3":  {Provider: "local", Tier: TierBudget, ContextWindow: 8192},
		"mistral": {Provider: "local", Tier: TierBudget, ContextWindow: 32768},
	}
}
