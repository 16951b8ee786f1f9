package engine

import (
	"fmt"

	"sessionguard/internal/config"
	"sessionguard/internal/model"
)

// Score applies the additive rule set. Within the rate pair and the
// interval pair only the higher tier fires. Labels come back in a fixed
// order with the observed value formatted in.
func Score(r config.RulesConfig, fv model.FeatureVector) (int, []string) {
	score := 0
	rules := make([]string, 0, 4)
	add := func(points int, label string) {
		score += points
		rules = append(rules, label)
	}

	if !fv.Insufficient {
		switch {
		case fv.RequestRate > r.CriticalRate:
			add(r.CriticalRatePoints, fmt.Sprintf("critical rate (%.1f req/s)", fv.RequestRate))
		case fv.RequestRate > r.HighRate:
			add(r.HighRatePoints, fmt.Sprintf("high rate (%.1f req/s)", fv.RequestRate))
		}
		switch {
		case fv.AvgInterval < r.BotInterval:
			add(r.BotIntervalPoints, fmt.Sprintf("bot-like interval (%.3fs)", fv.AvgInterval))
		case fv.AvgInterval < r.ShortInterval:
			add(r.ShortIntervalPoints, fmt.Sprintf("short interval (%.3fs)", fv.AvgInterval))
		}
		if fv.AvgInterval < r.RapidFireInterval && fv.TotalRequests > r.RapidFireRequests {
			add(r.RapidFirePoints, fmt.Sprintf("rapid-fire volume (%d requests)", fv.TotalRequests))
		}
	}
	if fv.FailedLogins >= r.FailedLogins {
		add(r.FailedLoginsPoints, fmt.Sprintf("credential stuffing (%d failed logins)", fv.FailedLogins))
	}
	if fv.TotalRequests > r.ExcessiveVolume {
		add(r.ExcessiveVolumePoints, fmt.Sprintf("excessive volume (%d requests)", fv.TotalRequests))
	}
	if fv.TotalRequests > r.AttackVolume {
		add(r.AttackVolumePoints, fmt.Sprintf("attack-level volume (%d requests)", fv.TotalRequests))
	}
	return score, rules
}
