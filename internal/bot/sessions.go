package bot

import (
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/initiatives"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/polls"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/store"
)

// stage is the kind of text a user's next plain message is read as.
type stage int

const (
	stageNone stage = iota
	stageCode
	stageInitiativeTitle
	stageInitiativeDesc
	stageInitiativeCheck
	stagePollQuestion
	stagePollOptions
	stagePollGroup
	stageModerationText
	stageBroadcastText
)

type groupField int

const (
	voterGroupField groupField = iota
	sourceGroupField
)

type initiativeDraft struct {
	// id tells the checkup buttons of this draft apart from stale ones.
	id      int64
	title   string
	desc    string
	editing bool
}

type pollFlow struct {
	// id is zero while a new poll is being created.
	id       uint
	election bool
	lang     store.Language
	group    groupField
	created  polls.NewPoll
	draft    polls.Draft
}

type moderationFlow struct {
	id    uint
	lang  store.Language
	field initiatives.Field
}

type broadcastFlow struct {
	id    string
	group string
	text  string
}

type flow struct {
	stage      stage
	initiative initiativeDraft
	poll       pollFlow
	moderation moderationFlow
	broadcast  broadcastFlow
}

// session is the in-memory conversation state of one chat user. lang remembers the language
// picked before registration.
type session struct {
	lang *store.Language
	flow flow
}

func (s *session) reset() {
	s.flow = flow{}
}

func (d *Dispatcher) session(userID int64) *session {
	current, ok := d.sessions[userID]
	if !ok {
		current = &session{}
		d.sessions[userID] = current
	}
	return current
}
