// Package rules maps grant events to the time and points they credit.
// Mapping is pure: no state is read or written here.
package rules

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// GrantKind identifies the qualifying viewer action behind a grant.
type GrantKind string

const (
	GrantSubscription GrantKind = "subscription"
	GrantGiftSub      GrantKind = "gift_subscription"
	GrantCheer        GrantKind = "cheer"
	GrantFollow       GrantKind = "follow"
	GrantRaid         GrantKind = "raid"
	GrantRedemption   GrantKind = "redemption"
)

// Grant is a single qualifying viewer action as received from the
// notification source.
type Grant struct {
	Kind        GrantKind
	User        string
	Tier        string
	Bits        int64
	Viewers     int64
	RewardTitle string
}

// Delta is what a grant credits. Seconds and Points are never negative.
// An empty Label means the grant is unmapped and should be discarded whole.
type Delta struct {
	Seconds int64
	Points  int64
	Label   string
}

const (
	subscriptionMinutes = 10
	followMinutes       = 1
	raidMinutes         = 10
)

var giftTierMinutes = map[string]int64{
	"1": 5,
	"2": 10,
	"3": 15,
}

// Mapper computes deltas. The reward table maps lower-cased channel point
// reward titles to minutes credited.
type Mapper struct {
	rewardMinutes map[string]int64
}

// NewMapper creates a Mapper with the given reward title table.
func NewMapper(rewardMinutes map[string]int64) *Mapper {
	table := make(map[string]int64, len(rewardMinutes))
	for title, minutes := range rewardMinutes {
		table[strings.ToLower(title)] = minutes
	}
	return &Mapper{rewardMinutes: table}
}

// Delta maps a grant to its credit. Unknown kinds, tiers and rewards never
// fail: unknown tiers fall back to tier 1, unknown rewards and kinds produce
// a zero delta, all are logged.
func (m *Mapper) Delta(g Grant) Delta {
	switch g.Kind {
	case GrantSubscription:
		return Delta{Seconds: subscriptionMinutes * 60, Points: 1, Label: "Subscription"}

	case GrantGiftSub:
		minutes, ok := giftTierMinutes[g.Tier]
		if !ok {
			log.Warn().Str("tier", g.Tier).Msg("unknown gift sub tier, crediting tier 1")
			minutes = giftTierMinutes["1"]
		}
		return Delta{Seconds: minutes * 60, Label: fmt.Sprintf("Sub Gift (Tier %s)", g.Tier)}

	case GrantCheer:
		if g.Bits < 0 {
			log.Warn().Int64("bits", g.Bits).Msg("negative bits on cheer, discarding")
			return Delta{}
		}
		return Delta{
			Seconds: g.Bits / 200 * 5 * 60,
			Points:  g.Bits / 400,
			Label:   fmt.Sprintf("Cheer (%d bits)", g.Bits),
		}

	case GrantFollow:
		return Delta{Seconds: followMinutes * 60, Label: "Follow"}

	case GrantRaid:
		return Delta{Seconds: raidMinutes * 60, Label: fmt.Sprintf("Raid (%d viewers)", g.Viewers)}

	case GrantRedemption:
		minutes, ok := m.rewardMinutes[strings.ToLower(g.RewardTitle)]
		if !ok {
			log.Warn().Str("reward", g.RewardTitle).Msg("unrecognized reward, ignoring")
			return Delta{}
		}
		return Delta{Seconds: minutes * 60, Label: "Channel Point Redeem"}

	default:
		log.Warn().Str("kind", string(g.Kind)).Msg("unknown grant kind, ignoring")
		return Delta{}
	}
}
