package events

import "time"

// Topic names an event stream. Topics are namespaced by component.
type Topic string

// Event is implemented by every payload published on the bus.
// Payloads are value types; On relies on the zero value reporting its topic.
type Event interface {
	Topic() Topic
}

// Listening (capture and segmentation).
const (
	TopicListeningStarted Topic = "listening.started"
	TopicListeningStopped Topic = "listening.stopped"
	TopicListeningPaused  Topic = "listening.paused"
	TopicListeningResumed Topic = "listening.resumed"
	TopicListeningError   Topic = "listening.error"
	TopicUtteranceReady   Topic = "listening.utterance"
)

// Transcription.
const (
	TopicTranscriptionStarted  Topic = "transcription.started"
	TopicTranscriptionResult   Topic = "transcription.result"
	TopicTranscriptionError    Topic = "transcription.error"
	TopicTranscriptionFinished Topic = "transcription.finished"
)

// Response generation.
const (
	TopicResponseStarted   Topic = "response.started"
	TopicResponseChunk     Topic = "response.chunk"
	TopicResponseCompleted Topic = "response.completed"
	TopicResponseError     Topic = "response.error"
	TopicResponseCancelled Topic = "response.cancelled"
)

// Speech chunking, synthesis and playback.
const (
	TopicSpeakRequested     Topic = "speech.requested"
	TopicSpeechUnit         Topic = "speech.unit"
	TopicUnitsComplete      Topic = "speech.units_complete"
	TopicUnitSynthesized    Topic = "speech.synthesized"
	TopicSpeechStarted      Topic = "speech.started"
	TopicSpeechChunkStarted Topic = "speech.chunk_started"
	TopicSpeechChunkEnded   Topic = "speech.chunk_ended"
	TopicSpeechEnded        Topic = "speech.ended"
	TopicSpeechError        Topic = "speech.error"
	TopicSpeechPaused       Topic = "speech.paused"
	TopicSpeechResumed      Topic = "speech.resumed"
	TopicSpeechCleared      Topic = "speech.cleared"
)

// Conversation status, for presentation layers.
const (
	TopicStateChanged     Topic = "conversation.state"
	TopicUserMessage      Topic = "conversation.user_message"
	TopicAssistantMessage Topic = "conversation.assistant_message"
	TopicAssistantChunk   Topic = "conversation.assistant_chunk"
	TopicBotError         Topic = "conversation.error"
)

// ListeningStarted is published when a capture session begins.
type ListeningStarted struct {
	Source     string `json:"source"`
	SampleRate int    `json:"sample_rate"`
}

// ListeningStopped is published when a capture session ends.
type ListeningStopped struct{}

// ListeningPaused is published when capture is paused.
type ListeningPaused struct{}

// ListeningResumed is published when capture resumes after a pause.
type ListeningResumed struct{}

// ListeningError reports a device failure that ended the capture session.
type ListeningError struct {
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

// Utterance is one bounded span of user speech.
type Utterance struct {
	ID         string        `json:"id"`
	Samples    []float32     `json:"-"`
	SampleRate int           `json:"sample_rate"`
	Duration   time.Duration `json:"duration"`
}

// UtteranceReady carries an utterance emitted by the segmenter.
// Ownership of the samples passes to the receiver.
type UtteranceReady struct {
	Utterance Utterance `json:"utterance"`
}

// TranscriptionStarted is published when an utterance is handed to the engine.
type TranscriptionStarted struct {
	UtteranceID string `json:"utterance_id"`
}

// TranscriptionResult carries non-empty recognized text.
type TranscriptionResult struct {
	UtteranceID string        `json:"utterance_id"`
	Text        string        `json:"text"`
	Confidence  float64       `json:"confidence"`
	Latency     time.Duration `json:"latency"`
}

// TranscriptionError reports an engine failure.
type TranscriptionError struct {
	UtteranceID string `json:"utterance_id"`
	Reason      string `json:"reason"`
	Err         error  `json:"-"`
}

// TranscriptionFinished closes every TranscriptionStarted. It follows the
// result or error, if any. Empty is set when the engine recognized no
// speech and no TranscriptionResult was published.
type TranscriptionFinished struct {
	UtteranceID string `json:"utterance_id"`
	Empty       bool   `json:"empty"`
	Failed      bool   `json:"failed"`
}

// ResponseStarted is published when a generation stream begins.
type ResponseStarted struct {
	ResponseID string `json:"response_id"`
	UserText   string `json:"user_text"`
}

// ResponseChunk carries one streamed token and the text accumulated so far.
type ResponseChunk struct {
	ResponseID  string `json:"response_id"`
	Token       string `json:"token"`
	Accumulated string `json:"accumulated"`
}

// ResponseCompleted is published after the assistant message is committed.
type ResponseCompleted struct {
	ResponseID string `json:"response_id"`
	Text       string `json:"text"`
}

// ResponseError reports a generation failure. Nothing is committed.
type ResponseError struct {
	ResponseID string `json:"response_id"`
	Reason     string `json:"reason"`
	Err        error  `json:"-"`
}

// ResponseCancelled is published when a generation is cancelled.
type ResponseCancelled struct {
	ResponseID string `json:"response_id"`
	Partial    string `json:"partial"`
}

// SpeakRequested asks for text to be spoken outside a generated response.
type SpeakRequested struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// SpeechUnit is a speakable fragment of a response.
type SpeechUnit struct {
	ResponseID string `json:"response_id"`
	Sequence   int    `json:"sequence"`
	Text       string `json:"text"`
}

// UnitsComplete marks that no more units will follow for a response.
type UnitsComplete struct {
	ResponseID string `json:"response_id"`
	Total      int    `json:"total"`
}

// UnitSynthesized is published when a worker finishes a unit, in completion order.
type UnitSynthesized struct {
	ResponseID string        `json:"response_id"`
	Sequence   int           `json:"sequence"`
	Samples    int           `json:"samples"`
	Latency    time.Duration `json:"latency"`
}

// SpeechStarted is published before the first audible chunk of a response.
type SpeechStarted struct {
	ResponseID string `json:"response_id"`
}

// SpeechChunkStarted is published when a chunk starts playing.
type SpeechChunkStarted struct {
	ResponseID string        `json:"response_id"`
	Sequence   int           `json:"sequence"`
	Text       string        `json:"text"`
	Duration   time.Duration `json:"duration"`
}

// SpeechChunkEnded is published when a chunk finishes or is cut off.
type SpeechChunkEnded struct {
	ResponseID  string `json:"response_id"`
	Sequence    int    `json:"sequence"`
	Interrupted bool   `json:"interrupted"`
}

// SpeechEnded is published once every unit of a response has been played.
type SpeechEnded struct {
	ResponseID string `json:"response_id"`
}

// SpeechError reports a synthesis or playback failure.
type SpeechError struct {
	ResponseID string `json:"response_id"`
	Sequence   int    `json:"sequence"`
	Reason     string `json:"reason"`
	Err        error  `json:"-"`
}

// SpeechPaused is published when playback is paused.
type SpeechPaused struct{}

// SpeechResumed is published when playback resumes.
type SpeechResumed struct{}

// SpeechCleared is published after queued and playing audio was dropped.
type SpeechCleared struct {
	ResponseID string `json:"response_id"`
	Dropped    int    `json:"dropped"`
}

// StateChanged reports a conversation state transition.
type StateChanged struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// UserMessage is the user's recognized turn.
type UserMessage struct {
	Text string `json:"text"`
}

// AssistantMessage is the assistant's complete turn.
type AssistantMessage struct {
	ResponseID string `json:"response_id"`
	Text       string `json:"text"`
}

// AssistantChunk mirrors streamed assistant text for display.
type AssistantChunk struct {
	ResponseID  string `json:"response_id"`
	Token       string `json:"token"`
	Accumulated string `json:"accumulated"`
}

// BotError is a non-fatal error surfaced for display.
type BotError struct {
	Source string `json:"source"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

func (ListeningStarted) Topic() Topic      { return TopicListeningStarted }
func (ListeningStopped) Topic() Topic      { return TopicListeningStopped }
func (ListeningPaused) Topic() Topic       { return TopicListeningPaused }
func (ListeningResumed) Topic() Topic      { return TopicListeningResumed }
func (ListeningError) Topic() Topic        { return TopicListeningError }
func (UtteranceReady) Topic() Topic        { return TopicUtteranceReady }
func (TranscriptionStarted) Topic() Topic  { return TopicTranscriptionStarted }
func (TranscriptionResult) Topic() Topic   { return TopicTranscriptionResult }
func (TranscriptionError) Topic() Topic    { return TopicTranscriptionError }
func (TranscriptionFinished) Topic() Topic { return TopicTranscriptionFinished }
func (ResponseStarted) Topic() Topic       { return TopicResponseStarted }
func (ResponseChunk) Topic() Topic         { return TopicResponseChunk }
func (ResponseCompleted) Topic() Topic     { return TopicResponseCompleted }
func (ResponseError) Topic() Topic         { return TopicResponseError }
func (ResponseCancelled) Topic() Topic     { return TopicResponseCancelled }
func (SpeakRequested) Topic() Topic        { return TopicSpeakRequested }
func (SpeechUnit) Topic() Topic            { return TopicSpeechUnit }
func (UnitsComplete) Topic() Topic         { return TopicUnitsComplete }
func (UnitSynthesized) Topic() Topic       { return TopicUnitSynthesized }
func (SpeechStarted) Topic() Topic         { return TopicSpeechStarted }
func (SpeechChunkStarted) Topic() Topic    { return TopicSpeechChunkStarted }
func (SpeechChunkEnded) Topic() Topic      { return TopicSpeechChunkEnded }
func (SpeechEnded) Topic() Topic           { return TopicSpeechEnded }
func (SpeechError) Topic() Topic           { return TopicSpeechError }
func (SpeechPaused) Topic() Topic          { return TopicSpeechPaused }
func (SpeechResumed) Topic() Topic         { return TopicSpeechResumed }
func (SpeechCleared) Topic() Topic         { return TopicSpeechCleared }
func (StateChanged) Topic() Topic          { return TopicStateChanged }
func (UserMessage) Topic() Topic           { return TopicUserMessage }
func (AssistantMessage) Topic() Topic      { return TopicAssistantMessage }
func (AssistantChunk) Topic() Topic        { return TopicAssistantChunk }
func (BotError) Topic() Topic              { return TopicBotError }
