package progress

import (
	"sort"

	"leoline/internal/config"
	"leoline/internal/domain"
)

// EffectiveWeights redistributes the weight of non-mandatory phases across the
// mandatory ones in proportion to their base weights. Integer shares use the
// largest-remainder method with ties broken by phase order, so the result
// always sums to exactly 100 when any mandatory phase carries weight.
func EffectiveWeights(phases []config.PhaseWeight, profile config.SDTypeProfile) map[domain.Phase]int {
	out := make(map[domain.Phase]int, len(phases))
	total := 0
	for _, pw := range phases {
		out[pw.Phase] = 0
		if profile.Mandatory(pw.Phase) {
			total += pw.Weight
		}
	}
	if total == 0 {
		return out
	}
	type share struct {
		phase     domain.Phase
		order     int
		remainder int
	}
	var shares []share
	assigned := 0
	for i, pw := range phases {
		if !profile.Mandatory(pw.Phase) {
			continue
		}
		scaled := pw.Weight * 100
		out[pw.Phase] = scaled / total
		assigned += scaled / total
		shares = append(shares, share{phase: pw.Phase, order: i, remainder: scaled % total})
	}
	sort.SliceStable(shares, func(i, j int) bool {
		if shares[i].remainder != shares[j].remainder {
			return shares[i].remainder > shares[j].remainder
		}
		return shares[i].order < shares[j].order
	})
	for i := 0; assigned < 100 && len(shares) > 0; i++ {
		out[shares[i%len(shares)].phase]++
		assigned++
	}
	return out
}
