package dice

import (
	"fmt"
	"math"
)

// RollParams describes one roll against a session's seeded generator.
type RollParams struct {
	Seed      int64
	Cursor    int
	Sides     int
	Count     int
	Modifiers []int
	Context   string
	ActorID   string
	TargetID  string
	RollID    string
}

// Roll is the reproducible result of RollParams.
type Roll struct {
	RollID          string
	Context         string
	ActorID         string
	TargetID        string
	Sides           int
	Count           int
	Dice            []int
	Modifiers       []int
	Total           int
	RngCursorBefore int
	RngCursorAfter  int
}

// mulberry32 returns the first output of a mulberry32 generator seeded with seed, in [0,1).
func mulberry32(seed uint32) float64 {
	t := seed + 0x6D2B79F5
	x := t
	x = (x ^ (x >> 15)) * (x | 1)
	x ^= x + (x^(x>>7))*(x|61)
	return float64(x^(x>>14)) / 4294967296
}

// Do rolls Count dice. Die i is keyed by seed+cursor+i alone, so any roll can be
// recomputed from (seed, cursor, sides, count) without replaying earlier rolls.
func Do(p RollParams) Roll {
	dice := make([]int, 0, p.Count)
	sum := 0
	for i := 0; i < p.Count; i++ {
		key := uint32(p.Seed + int64(p.Cursor) + int64(i))
		v := int(math.Floor(mulberry32(key)*float64(p.Sides))) + 1
		dice = append(dice, v)
		sum += v
	}
	mods := p.Modifiers
	if mods == nil {
		mods = []int{}
	}
	for _, m := range mods {
		sum += m
	}
	id := p.RollID
	if id == "" {
		id = RollID(p.Context, p.ActorID, p.TargetID, p.Cursor)
	}
	return Roll{
		RollID:          id,
		Context:         p.Context,
		ActorID:         p.ActorID,
		TargetID:        p.TargetID,
		Sides:           p.Sides,
		Count:           p.Count,
		Dice:            dice,
		Modifiers:       mods,
		Total:           sum,
		RngCursorBefore: p.Cursor,
		RngCursorAfter:  p.Cursor + p.Count,
	}
}

// RollID derives the stable identifier of a roll.
func RollID(context, actorID, targetID string, cursor int) string {
	if actorID == "" {
		actorID = "na"
	}
	if targetID == "" {
		targetID = "na"
	}
	return fmt.Sprintf("roll_%s_%s_%s_%d", context, actorID, targetID, cursor)
}

// AbilityMod is floor((score-10)/2).
func AbilityMod(score int) int {
	return int(math.Floor(float64(score-10) / 2))
}

// ProficiencyBonus is 2 + floor((level-1)/4).
func ProficiencyBonus(level int) int {
	return 2 + int(math.Floor(float64(level-1)/4))
}
