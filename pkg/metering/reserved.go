package metering

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/cockroachdb/apd/v3"
)

// Tier is one step of an overage price ladder. Threshold is the overage
// quantity at which the tier begins; tiers must strictly increase.
type Tier struct {
	Threshold int64  `json:"threshold"`
	PricePer  string `json:"price_per_unit"`
	Item      string `json:"stripe_item,omitempty"`
}

// ReservedTenant is one tenant's committed capacity and overage ladders.
type ReservedTenant struct {
	VExReserved int64  `json:"vex_reserved"`
	FUReserved  int64  `json:"fu_reserved"`
	VExTiers    []Tier `json:"vex_overage_tiers,omitempty"`
	FUTiers     []Tier `json:"fu_overage_tiers,omitempty"`
}

// ReservedConfig maps tenant → reserved capacity. Immutable once loaded;
// reload swaps the whole snapshot.
type ReservedConfig struct {
	Tenants map[string]ReservedTenant `json:"tenants"`
}

// LoadReservedConfig reads and validates a reserved-capacity file.
func LoadReservedConfig(path string) (*ReservedConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("metering: read reserved config: %w", err)
	}
	var cfg ReservedConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("metering: parse reserved config: %w", err)
	}
	for tenant, rc := range cfg.Tenants {
		if err := validateTiers(rc.VExTiers); err != nil {
			return nil, fmt.Errorf("metering: tenant %s vex tiers: %w", tenant, err)
		}
		if err := validateTiers(rc.FUTiers); err != nil {
			return nil, fmt.Errorf("metering: tenant %s fu tiers: %w", tenant, err)
		}
	}
	if cfg.Tenants == nil {
		cfg.Tenants = map[string]ReservedTenant{}
	}
	return &cfg, nil
}

func validateTiers(tiers []Tier) error {
	for i, t := range tiers {
		if t.Threshold < 0 {
			return fmt.Errorf("tier %d: negative threshold", i)
		}
		if i > 0 && tiers[i].Threshold <= tiers[i-1].Threshold {
			return fmt.Errorf("tier %d: thresholds must strictly increase", i)
		}
		if _, _, err := apd.NewFromString(t.PricePer); err != nil {
			return fmt.Errorf("tier %d: price %q: %v", i, t.PricePer, err)
		}
	}
	return nil
}

// TierCharge is the billable amount attributed to one tier.
type TierCharge struct {
	Tier   Tier   `json:"tier"`
	Units  int64  `json:"units"`
	Charge string `json:"charge"`
}

// OverageBreakdown explains one unit kind's month-to-date position.
type OverageBreakdown struct {
	Used     int64        `json:"used"`
	Reserved int64        `json:"reserved"`
	Overage  int64        `json:"overage"`
	Tiers    []TierCharge `json:"tiers,omitempty"`
	Total    string       `json:"total_charge"`
}

// ComputeOverage attributes usage above the reservation to the tier
// ladder. With tiers (t1,p1),(t2,p2),… the units billed at tier k are
// max(0, min(O, t_{k+1}) - t_k), the last tier extending to infinity.
func ComputeOverage(used, reserved int64, tiers []Tier) OverageBreakdown {
	overage := used - reserved
	if overage < 0 {
		overage = 0
	}
	out := OverageBreakdown{Used: used, Reserved: reserved, Overage: overage, Total: "0"}
	if overage == 0 || len(tiers) == 0 {
		return out
	}

	sorted := append([]Tier(nil), tiers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Threshold < sorted[j].Threshold })

	ctx := apd.BaseContext.WithPrecision(34)
	total := apd.New(0, 0)
	for i, tier := range sorted {
		upper := overage
		if i+1 < len(sorted) && sorted[i+1].Threshold < overage {
			upper = sorted[i+1].Threshold
		}
		units := upper - tier.Threshold
		if units <= 0 {
			continue
		}
		price, _, err := apd.NewFromString(tier.PricePer)
		if err != nil {
			continue
		}
		var charge apd.Decimal
		if _, err := ctx.Mul(&charge, price, apd.New(units, 0)); err != nil {
			continue
		}
		if _, err := ctx.Add(total, total, &charge); err != nil {
			continue
		}
		reducedCharge, _ := charge.Reduce(&charge)
		out.Tiers = append(out.Tiers, TierCharge{Tier: tier, Units: units, Charge: reducedCharge.Text('f')})
	}
	reducedTotal, _ := total.Reduce(total)
	out.Total = reducedTotal.Text('f')
	return out
}
