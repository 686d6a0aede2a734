package orchestrator

import (
	mapset "github.com/deckarep/golang-set/v2"
)

// Tally is the result of casting a vote
type Tally struct {
	Votes     int
	Needed    int
	Passed    bool
	Duplicate bool
}

// SkipQuorum is the number of votes needed to skip a map
func SkipQuorum(players int) int { return players/2 + 1 }

// AbortQuorum is the number of votes needed to abort a match
func AbortQuorum(players int) int { return players/2 + 1 }

// BanQuorum is the number of votes needed to kick a player
func BanQuorum(players int) int { return max(2, (players+1)/2) }

// VoteBox holds the open votes of one lobby. Voters and targets are
// normalized usernames. Not safe for concurrent use.
type VoteBox struct {
	skip  mapset.Set[string]
	abort mapset.Set[string]
	bans  map[string]mapset.Set[string]
}

func NewVoteBox() *VoteBox {
	return &VoteBox{
		skip:  mapset.NewThreadUnsafeSet[string](),
		abort: mapset.NewThreadUnsafeSet[string](),
		bans:  make(map[string]mapset.Set[string]),
	}
}

// Skip votes to skip the current map
func (v *VoteBox) Skip(voter string, players int) Tally {
	return cast(v.skip, voter, SkipQuorum(players))
}

// Abort votes to abort the running match
func (v *VoteBox) Abort(voter string, players int) Tally {
	return cast(v.abort, voter, AbortQuorum(players))
}

// Ban votes to kick target
func (v *VoteBox) Ban(voter, target string, players int) Tally {
	set, ok := v.bans[target]
	if !ok {
		set = mapset.NewThreadUnsafeSet[string]()
		v.bans[target] = set
	}
	t := cast(set, voter, BanQuorum(players))
	if t.Passed {
		delete(v.bans, target)
	}
	return t
}

func cast(set mapset.Set[string], voter string, needed int) Tally {
	if !set.Add(voter) {
		return Tally{Votes: set.Cardinality(), Needed: needed, Duplicate: true}
	}
	t := Tally{Votes: set.Cardinality(), Needed: needed}
	if t.Votes >= needed {
		t.Passed = true
		set.Clear()
	}
	return t
}

func (v *VoteBox) ClearSkip()  { v.skip.Clear() }
func (v *VoteBox) ClearAbort() { v.abort.Clear() }

// Leave drops the votes against a departed player and the votes they cast
func (v *VoteBox) Leave(name string) {
	delete(v.bans, name)
	v.skip.Remove(name)
	v.abort.Remove(name)
	for target, set := range v.bans {
		set.Remove(name)
		if set.Cardinality() == 0 {
			delete(v.bans, target)
		}
	}
}
