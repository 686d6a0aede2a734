package lobby

import (
	"regexp"
	"strconv"
	"strings"
)

// Line is a recognized operator-bot line
type Line interface{ isLine() }

// SlotState is the ready state printed in a slot line
type SlotState int

const (
	SlotNotReady SlotState = iota
	SlotReady
	SlotNoMap
)

func (s SlotState) String() string {
	switch s {
	case SlotReady:
		return "Ready"
	case SlotNoMap:
		return "No Map"
	default:
		return "Not Ready"
	}
}

// Line variants
type (
	MatchStartedLine  struct{}
	MatchFinishedLine struct{}
	MatchAbortedLine  struct{}
	AllReadyLine      struct{}
	ClosedLine        struct{}

	PasswordChangedLine struct {
		Removed bool
	}

	RoomNameLine struct {
		Name string
		ID   int64
	}

	BeatmapLine struct {
		ID   int64
		Name string
	}

	TeamModeLine struct {
		Mode         string
		WinCondition string
	}

	ModsLine struct {
		Mods    []string
		Freemod bool
	}

	PlayerCountLine struct {
		N int
	}

	RefereeLine struct {
		Name  string
		Added bool
	}

	SlotLine struct {
		Slot     int
		State    SlotState
		UserID   int64
		Username string
		Host     bool
		Team     string
	}

	ScoreLine struct {
		Username string
		Score    int
		Passed   bool
	}

	JoinLine struct {
		Username string
		Slot     int
		Team     string
	}

	LeaveLine struct {
		Username string
	}

	HostChangedLine struct {
		Username string
	}
)

func (MatchStartedLine) isLine()    {}
func (MatchFinishedLine) isLine()   {}
func (MatchAbortedLine) isLine()    {}
func (AllReadyLine) isLine()        {}
func (ClosedLine) isLine()          {}
func (PasswordChangedLine) isLine() {}
func (RoomNameLine) isLine()        {}
func (BeatmapLine) isLine()         {}
func (TeamModeLine) isLine()        {}
func (ModsLine) isLine()            {}
func (PlayerCountLine) isLine()     {}
func (RefereeLine) isLine()         {}
func (SlotLine) isLine()            {}
func (ScoreLine) isLine()           {}
func (JoinLine) isLine()            {}
func (LeaveLine) isLine()           {}
func (HostChangedLine) isLine()     {}

// rule pairs a pattern with the constructor for its line
type rule struct {
	re    *regexp.Regexp
	build func(m []string) Line
}

// Rules are tried in order, first match wins
var rules = []rule{
	{regexp.MustCompile(`^The match has started!$`), func([]string) Line { return MatchStartedLine{} }},
	{regexp.MustCompile(`^The match has finished!$`), func([]string) Line { return MatchFinishedLine{} }},
	{regexp.MustCompile(`^Aborted the match$`), func([]string) Line { return MatchAbortedLine{} }},
	{regexp.MustCompile(`^All players are ready$`), func([]string) Line { return AllReadyLine{} }},
	{regexp.MustCompile(`^Closed the match$`), func([]string) Line { return ClosedLine{} }},
	{regexp.MustCompile(`^(Changed|Removed) the match password$`), func(m []string) Line {
		return PasswordChangedLine{Removed: m[1] == "Removed"}
	}},
	{regexp.MustCompile(`^Room name: (.+), History: https://osu\.ppy\.sh/mp/(\d+)$`), func(m []string) Line {
		return RoomNameLine{Name: m[1], ID: atoi64(m[2])}
	}},
	{regexp.MustCompile(`^Beatmap: https://osu\.ppy\.sh/b/(\d+) (.+)$`), func(m []string) Line {
		return BeatmapLine{ID: atoi64(m[1]), Name: m[2]}
	}},
	{regexp.MustCompile(`^Changed beatmap to https://osu\.ppy\.sh/b/(\d+) (.+)$`), func(m []string) Line {
		return BeatmapLine{ID: atoi64(m[1]), Name: m[2]}
	}},
	// Host picked a map from the client
	{regexp.MustCompile(`^Beatmap changed to: (.+) \(https://osu\.ppy\.sh/b/(\d+)\)$`), func(m []string) Line {
		return BeatmapLine{ID: atoi64(m[2]), Name: m[1]}
	}},
	{regexp.MustCompile(`^Team mode: (\w+), Win condition: (\w+)$`), func(m []string) Line {
		return TeamModeLine{Mode: m[1], WinCondition: m[2]}
	}},
	{regexp.MustCompile(`^Active mods: (.+)$`), func(m []string) Line {
		return parseMods(m[1])
	}},
	{regexp.MustCompile(`^Players: (\d+)$`), func(m []string) Line {
		n, _ := strconv.Atoi(m[1])
		return PlayerCountLine{N: n}
	}},
	{regexp.MustCompile(`^Added (.+) to the match referees$`), func(m []string) Line {
		return RefereeLine{Name: m[1], Added: true}
	}},
	{regexp.MustCompile(`^Removed (.+) from the match referees$`), func(m []string) Line {
		return RefereeLine{Name: m[1]}
	}},
	// Username is padded to a fixed width and may be followed by a [role] tag
	{regexp.MustCompile(`^Slot (\d+) +(Not Ready|Ready|No Map) +https://osu\.ppy\.sh/u/(\d+) (.+?)( +\[.+\])?$`), func(m []string) Line {
		slot, _ := strconv.Atoi(m[1])
		line := SlotLine{
			Slot:     slot,
			UserID:   atoi64(m[3]),
			Username: strings.TrimSpace(m[4]),
		}
		switch m[2] {
		case "Ready":
			line.State = SlotReady
		case "No Map":
			line.State = SlotNoMap
		}
		if tag := strings.TrimSpace(m[5]); tag != "" {
			for _, part := range strings.Split(strings.Trim(tag, "[]"), "/") {
				part = strings.TrimSpace(part)
				switch {
				case part == "Host":
					line.Host = true
				case strings.HasPrefix(part, "Team "):
					line.Team = strings.TrimPrefix(part, "Team ")
				}
			}
		}
		return line
	}},
	{regexp.MustCompile(`^(.+) finished playing \(Score: (\d+), (PASSED|FAILED)\)\.$`), func(m []string) Line {
		score, _ := strconv.Atoi(m[2])
		return ScoreLine{Username: m[1], Score: score, Passed: m[3] == "PASSED"}
	}},
	{regexp.MustCompile(`^(.+) joined in slot (\d+)(?: for team (\w+))?\.$`), func(m []string) Line {
		slot, _ := strconv.Atoi(m[2])
		return JoinLine{Username: m[1], Slot: slot, Team: m[3]}
	}},
	{regexp.MustCompile(`^(.+) left the game\.$`), func(m []string) Line {
		return LeaveLine{Username: m[1]}
	}},
	{regexp.MustCompile(`^(.+) became the host\.$`), func(m []string) Line {
		return HostChangedLine{Username: m[1]}
	}},
}

// ParseBotLine recognizes an operator-bot line. Unrecognized text returns false.
func ParseBotLine(text string) (Line, bool) {
	text = strings.TrimRight(text, " \r")
	for _, r := range rules {
		if m := r.re.FindStringSubmatch(text); m != nil {
			return r.build(m), true
		}
	}
	return nil, false
}

func parseMods(s string) ModsLine {
	var line ModsLine
	for _, mod := range strings.Split(s, ",") {
		mod = strings.TrimSpace(mod)
		switch mod {
		case "", "None":
		case "Freemod":
			line.Freemod = true
		default:
			line.Mods = append(line.Mods, mod)
		}
	}
	return line
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

// modBits maps mod names as printed by the bot to the game's bitmask
var modBits = map[string]int64{
	"NoFail":      1,
	"Easy":        2,
	"TouchDevice": 4,
	"Hidden":      8,
	"HardRock":    16,
	"SuddenDeath": 32,
	"DoubleTime":  64,
	"Relax":       128,
	"HalfTime":    256,
	"Nightcore":   512 | 64,
	"Flashlight":  1024,
	"SpunOut":     4096,
	"Perfect":     16384 | 32,
}

// ModMask folds mod names into a bitmask, ignoring unknown names
func ModMask(mods []string) int64 {
	var mask int64
	for _, m := range mods {
		mask |= modBits[m]
	}
	return mask
}
