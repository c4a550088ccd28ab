package advise

// DefaultChainKey selects the chain used for step types without their own.
const DefaultChainKey = "default"

// Chains maps step types to their adviser chains.
type Chains map[string][]Obtainment

// For returns the chain configured for stepType, falling back to the
// default chain.
func (c Chains) For(stepType string) []Obtainment {
	if chain, ok := c[stepType]; ok {
		return chain
	}
	return c[DefaultChainKey]
}
