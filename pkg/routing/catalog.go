package routing

import (
	"fmt"
)

// Latency is the relative response latency class of a backend tier
type Latency string

const (
	LatencyFast     Latency = "fast"
	LatencyStandard Latency = "standard"
	LatencySlow     Latency = "slow"
)

// TierConfig describes one backend tier
type TierConfig struct {
	ID             string   `json:"id" yaml:"id"`
	CostPerUnit    float64  `json:"costPerUnit" yaml:"cost_per_unit"`
	MaxOutputUnits int      `json:"maxOutputUnits" yaml:"max_output_units"`
	Capabilities   []string `json:"capabilities,omitempty" yaml:"capabilities"`
	Latency        Latency  `json:"latency" yaml:"latency"`
	PremiumOnly    bool     `json:"premiumOnly" yaml:"premium_only"`
}

// Catalog is the immutable, cost-ordered list of backend tiers
type Catalog struct {
	tiers []TierConfig
	index map[string]int
}

// NewCatalog validates tiers and builds a catalog. Tiers must be listed from
// cheapest to most expensive.
func NewCatalog(tiers []TierConfig) (*Catalog, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("catalog must define at least one tier")
	}

	c := &Catalog{
		tiers: make([]TierConfig, len(tiers)),
		index: make(map[string]int, len(tiers)),
	}
	for i, t := range tiers {
		if t.ID == "" {
			return nil, fmt.Errorf("tier %d: id is required", i)
		}
		if _, dup := c.index[t.ID]; dup {
			return nil, fmt.Errorf("tier %s: duplicate id", t.ID)
		}
		if t.CostPerUnit <= 0 {
			return nil, fmt.Errorf("tier %s: cost per unit must be positive", t.ID)
		}
		if t.MaxOutputUnits <= 0 {
			return nil, fmt.Errorf("tier %s: max output units must be positive", t.ID)
		}
		if i > 0 && t.CostPerUnit < tiers[i-1].CostPerUnit {
			return nil, fmt.Errorf("tier %s: tiers must be ordered by ascending cost", t.ID)
		}
		switch t.Latency {
		case LatencyFast, LatencyStandard, LatencySlow:
		case "":
			t.Latency = LatencyStandard
		default:
			return nil, fmt.Errorf("tier %s: unknown latency %q", t.ID, t.Latency)
		}

		t.Capabilities = append([]string(nil), t.Capabilities...)
		c.tiers[i] = t
		c.index[t.ID] = i
	}
	if c.tiers[0].PremiumOnly {
		return nil, fmt.Errorf("tier %s: the cheapest tier cannot be premium-only", c.tiers[0].ID)
	}

	return c, nil
}

// DefaultCatalog returns the built-in three tier catalog
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultTiers())
	if err != nil {
		panic(err)
	}
	return c
}

// DefaultTiers returns the built-in tier definitions
func DefaultTiers() []TierConfig {
	return []TierConfig{
		{
			ID:             "fast",
			CostPerUnit:    0.01,
			MaxOutputUnits: 512,
			Capabilities:   []string{"quick_answers", "stats_lookup"},
			Latency:        LatencyFast,
		},
		{
			ID:             "standard",
			CostPerUnit:    0.03,
			MaxOutputUnits: 2048,
			Capabilities:   []string{"analysis", "multi_step", "coaching"},
			Latency:        LatencyStandard,
		},
		{
			ID:             "advanced",
			CostPerUnit:    0.1,
			MaxOutputUnits: 4096,
			Capabilities:   []string{"analysis", "prediction", "strategic_planning", "personalization"},
			Latency:        LatencySlow,
			PremiumOnly:    true,
		},
	}
}

// Get returns the tier with the given id
func (c *Catalog) Get(id string) (TierConfig, bool) {
	i, ok := c.index[id]
	if !ok {
		return TierConfig{}, false
	}
	return c.tiers[i], true
}

// Tiers returns a copy of all tiers, cheapest first
func (c *Catalog) Tiers() []TierConfig {
	return append([]TierConfig(nil), c.tiers...)
}

// Cheapest returns the lowest cost tier
func (c *Catalog) Cheapest() TierConfig {
	return c.tiers[0]
}

// Top returns the highest cost tier
func (c *Catalog) Top() TierConfig {
	return c.tiers[len(c.tiers)-1]
}

// Mid returns the most capable tier open to every account: the first tier
// below Top that is not premium-only. With a single tier it is the cheapest.
func (c *Catalog) Mid() TierConfig {
	for i := len(c.tiers) - 2; i >= 0; i-- {
		if !c.tiers[i].PremiumOnly {
			return c.tiers[i]
		}
	}
	return c.tiers[0]
}
