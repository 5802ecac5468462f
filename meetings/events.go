package meetings

import (
	"encoding/json"
)

// Event names as they appear in the "event" field on the wire.
const (
	EventJoinMeeting     = "join_meeting"
	EventTranscriptEntry = "transcript_entry"
	EventEndMeeting      = "end_meeting"
	EventDoneProcessing  = "done_processing"
	EventError           = "error"
)

// Event is a server-to-client notification.
type Event interface {
	EventName() string
}

// DialogueLine is one transcript entry as sent to clients.
type DialogueLine struct {
	Name    string `json:"name"`
	UserID  string `json:"uid"`
	Message string `json:"message"`
}

// JoinMeeting is sent to a connection immediately after it is admitted.
type JoinMeeting struct {
	PreviousDialogue []DialogueLine `json:"previous_dialogue"`
}

// TranscriptEntry announces one accepted line of dialogue.
type TranscriptEntry struct {
	Name    string `json:"name"`
	UserID  string `json:"uid"`
	Message string `json:"message"`
}

// EndMeeting announces that finalization has started.
type EndMeeting struct{}

// DoneProcessing carries the retrieval links of a finalized meeting. Error
// is set instead when finalization failed.
type DoneProcessing struct {
	NotesLink      string `json:"notes_link"`
	TranscriptLink string `json:"transcript_link"`
	Error          string `json:"error,omitempty"`
}

// ErrorReply rejects a single inbound frame.
type ErrorReply struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (JoinMeeting) EventName() string     { return EventJoinMeeting }
func (TranscriptEntry) EventName() string { return EventTranscriptEntry }
func (EndMeeting) EventName() string      { return EventEndMeeting }
func (DoneProcessing) EventName() string  { return EventDoneProcessing }
func (ErrorReply) EventName() string      { return EventError }

func (e JoinMeeting) MarshalJSON() ([]byte, error) {
	type alias JoinMeeting
	if e.PreviousDialogue == nil {
		e.PreviousDialogue = []DialogueLine{}
	}
	return json.Marshal(struct {
		Event string `json:"event"`
		alias
	}{EventJoinMeeting, alias(e)})
}

func (e TranscriptEntry) MarshalJSON() ([]byte, error) {
	type alias TranscriptEntry
	return json.Marshal(struct {
		Event string `json:"event"`
		alias
	}{EventTranscriptEntry, alias(e)})
}

func (e EndMeeting) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Event string `json:"event"`
	}{EventEndMeeting})
}

func (e DoneProcessing) MarshalJSON() ([]byte, error) {
	type alias DoneProcessing
	return json.Marshal(struct {
		Event string `json:"event"`
		alias
	}{EventDoneProcessing, alias(e)})
}

func (e ErrorReply) MarshalJSON() ([]byte, error) {
	type alias ErrorReply
	return json.Marshal(struct {
		Event string `json:"event"`
		alias
	}{EventError, alias(e)})
}

// inboundFrame is what clients send over a connection.
type inboundFrame struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

func dialogueLines(entries []Entry) []DialogueLine {
	out := make([]DialogueLine, len(entries))
	for i, e := range entries {
		out[i] = DialogueLine{Name: e.Name, UserID: e.UserID, Message: e.Text}
	}
	return out
}

func encodeEvent(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}
