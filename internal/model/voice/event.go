package voice

// EventType 上游语音对话服务的事件类型。
type EventType string

const (
	EventSpeechStarted     EventType = "speech-started"
	EventPartialTranscript EventType = "partial-transcript"
	EventEndOfSpeech       EventType = "end-of-speech"
	EventResponseAudio     EventType = "response-audio-chunk"
	EventResponseComplete  EventType = "response-complete"
	EventError             EventType = "error"
)

// Event is one typed message from the speech-conversation service.
type Event struct {
	Type  EventType
	Text  string
	Audio []byte
	Code  string
}
