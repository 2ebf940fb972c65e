package main

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/gosuda/quickchat/chatlog"
	"github.com/gosuda/quickchat/roomid"
	"github.com/gosuda/quickchat/session"
)

// view prints session changes as plain lines. It only ever reads snapshots.
type view struct {
	out      io.Writer
	baseURL  string
	phase    session.Phase
	rendered []chatlog.Entry
	users    []string
}

func newView(out io.Writer, baseURL string) *view {
	return &view{out: out, baseURL: baseURL, phase: session.PhaseIdle}
}

func (v *view) Notice(message string) {
	fmt.Fprintf(v.out, "! %s\n", message)
}

func (v *view) Home() {
	fmt.Fprintln(v.out, "Leaving room.")
}

func (v *view) render(s session.Snapshot) {
	if s.Phase != v.phase {
		v.phase = s.Phase
		v.phaseChanged(s)
	}

	n := len(v.rendered)
	if len(s.Messages) < n || !slices.Equal(s.Messages[:n], v.rendered) {
		// transcript was reseeded from history
		fmt.Fprintln(v.out, "--- history ---")
		n = 0
	}
	for _, m := range s.Messages[n:] {
		v.entry(m, s.Participant)
	}
	v.rendered = s.Messages

	if !slices.Equal(v.users, s.Users) {
		v.users = s.Users
		v.roster(s)
	}
}

func (v *view) phaseChanged(s session.Snapshot) {
	switch s.Phase {
	case session.PhaseAwaitingIdentity:
		fmt.Fprintf(v.out, "Room %s\nEnter your name to join: ", s.RoomID)
	case session.PhaseJoining:
		fmt.Fprintf(v.out, "Joining room %s as %s...\n", s.RoomID, s.Participant)
	case session.PhaseActive:
		fmt.Fprintln(v.out, "Joined. Type a message and press Enter. /users lists who is online, /room shows the share link, /quit leaves.")
	case session.PhaseTerminated:
		fmt.Fprintln(v.out, "Left the room.")
	}
}

func (v *view) entry(m chatlog.Entry, self string) {
	author := m.Author
	if author == self {
		author = "You"
	}
	fmt.Fprintf(v.out, "[%s] %s: %s\n", m.SentAt, author, m.Body)
}

func (v *view) roster(s session.Snapshot) {
	names := make([]string, len(s.Users))
	for i, u := range s.Users {
		names[i] = u
		if u == s.Participant {
			names[i] = u + " (You)"
		}
	}
	fmt.Fprintf(v.out, "* %d online: %s\n", len(names), strings.Join(names, ", "))
}

func (v *view) roomInfo(s session.Snapshot) {
	fmt.Fprintf(v.out, "* Room ID: %s\n* Link: %s\n", s.RoomID, roomid.Link(v.baseURL, s.RoomID))
}
