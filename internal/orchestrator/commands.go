package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ernie/lobbybot/internal/domain"
	"github.com/ernie/lobbybot/internal/lobby"
	"github.com/ernie/lobbybot/internal/rating"
	"github.com/ernie/lobbybot/internal/storage"
)

const helpText = "Maps are picked around the median skill of the lobby. " +
	"Commands: !skip, !abort, !ban <player>, !start, !wait, !rank [player]"

// command handles a chat line from a player in the room
func (o *Orchestrator) command(m *managed, st *lobby.State, msg lobby.ChatMessage) {
	fields := strings.Fields(msg.Text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "!") {
		return
	}
	args := strings.Join(fields[1:], " ")

	switch strings.ToLower(fields[0]) {
	case "!about", "!help":
		m.lobby.Send(helpText)
	case "!rank":
		name := msg.From
		if args != "" {
			name = args
		}
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.reportRank(m.lobby, name)
		}()
	}

	// The remaining commands are only for players in the room
	voter := domain.NormalizeName(msg.From)
	if _, ok := st.Roster[voter]; !ok {
		return
	}
	players := len(st.Roster)

	switch strings.ToLower(fields[0]) {
	case "!skip":
		if st.Playing() {
			m.lobby.Send("The match is in progress, use !abort instead.")
			return
		}
		t := m.votes.Skip(voter, players)
		if t.Duplicate {
			return
		}
		if t.Passed {
			o.metrics.VotePassed("skip")
			m.lobby.Send("Skip vote passed.")
			o.rotate(m, st)
			return
		}
		m.lobby.Send(fmt.Sprintf("%s voted to skip the map (%d/%d).", msg.From, t.Votes, t.Needed))

	case "!abort":
		if !st.Playing() {
			return
		}
		t := m.votes.Abort(voter, players)
		if t.Duplicate {
			return
		}
		if t.Passed {
			o.metrics.VotePassed("abort")
			m.lobby.Command("!mp abort")
			return
		}
		m.lobby.Send(fmt.Sprintf("%s voted to abort the match (%d/%d).", msg.From, t.Votes, t.Needed))

	case "!ban", "!kick":
		if args == "" {
			m.lobby.Send("Usage: !ban <player>")
			return
		}
		target, ok := st.Player(args)
		if !ok {
			m.lobby.Send(fmt.Sprintf("%s is not in this lobby.", args))
			return
		}
		targetKey := domain.NormalizeName(target.Username)
		if targetKey == voter {
			return
		}
		t := m.votes.Ban(voter, targetKey, players)
		if t.Duplicate {
			return
		}
		if t.Passed {
			o.metrics.VotePassed("ban")
			m.banned.Add(targetKey)
			m.lobby.Send(fmt.Sprintf("%s was banned from this lobby.", target.Username))
			kick(m, target.Username)
			return
		}
		m.lobby.Send(fmt.Sprintf("%s voted to ban %s (%d/%d).", msg.From, target.Username, t.Votes, t.Needed))

	case "!start":
		m.countdown.Start(players)

	case "!wait":
		if m.countdown.Cancel() {
			m.lobby.Send("Match start cancelled. Type !start when everyone is ready.")
		}
	}
}

func kick(m *managed, username string) {
	m.lobby.Command("!mp kick " + strings.ReplaceAll(username, " ", "_"))
}

// reportRank looks a player up off the lobby goroutine and replies in chat
func (o *Orchestrator) reportRank(l *lobby.Lobby, name string) {
	ctx, cancel := context.WithTimeout(l.Context(), 10*time.Second)
	defer cancel()

	p, err := o.store.GetByUsername(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		l.Send(fmt.Sprintf("%s has not played here yet.", name))
		return
	}
	if err != nil {
		o.log.WithError(err).WithField("player", name).Warn("Rank lookup failed")
		return
	}

	if p.GamesPlayed < rating.MinGames {
		l.Send(fmt.Sprintf("%s is unranked (%d/%d games played).", p.Username, p.GamesPlayed, rating.MinGames))
		return
	}
	elo := int(math.Round(p.Elo))
	if o.ranker == nil {
		l.Send(fmt.Sprintf("%s: %s, %d elo.", p.Username, p.Tier, elo))
		return
	}
	rank, total, err := o.ranker.Rank(ctx, p)
	if err != nil {
		o.log.WithError(err).WithField("player", name).Warn("Rank lookup failed")
		return
	}
	l.Send(fmt.Sprintf("%s: %s, #%d of %d, %d elo.", p.Username, p.Tier, rank, total, elo))
}
