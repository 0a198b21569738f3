package web

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-voiceloop/pkg/audioio"
	"github.com/teslashibe/go-voiceloop/pkg/codec"
	"github.com/teslashibe/go-voiceloop/pkg/conversation"
	"github.com/teslashibe/go-voiceloop/pkg/events"
	"github.com/teslashibe/go-voiceloop/pkg/inference"
	"github.com/teslashibe/go-voiceloop/pkg/metrics"
)

type fakeController struct {
	mu          sync.Mutex
	calls       []string
	startErr    error
	speakErr    error
	interrupted bool
	state       conversation.State
}

func (f *fakeController) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeController) StartListening() error {
	f.record("start")
	return f.startErr
}

func (f *fakeController) StopListening() error {
	f.record("stop")
	return nil
}

func (f *fakeController) ToggleListening() error {
	f.record("toggle")
	return nil
}

func (f *fakeController) Interrupt() bool {
	f.record("interrupt")
	return f.interrupted
}

func (f *fakeController) Speak(text string) (string, error) {
	f.record("speak:" + text)
	if f.speakErr != nil {
		return "", f.speakErr
	}
	return "speech-1", nil
}

func (f *fakeController) Snapshot() conversation.Snapshot {
	return conversation.Snapshot{State: f.state, Listening: f.state == conversation.StateListening}
}

func (f *fakeController) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeHistory struct {
	messages []inference.Message
	cleared  int
}

func (f *fakeHistory) History() []inference.Message { return f.messages }
func (f *fakeHistory) ClearHistory()                { f.cleared++ }

// fakeEncoder emits one packet per written frame holding the sample count.
type fakeEncoder struct {
	mu     sync.Mutex
	resets int
}

func (f *fakeEncoder) Write(frame audioio.Frame) ([]codec.Packet, error) {
	return []codec.Packet{{Data: []byte{byte(len(frame.Samples))}, Duration: codec.FrameDuration}}, nil
}

func (f *fakeEncoder) Flush() ([]codec.Packet, error) { return nil, nil }

func (f *fakeEncoder) Reset() {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
}

type fixture struct {
	srv     *Server
	bus     *events.Bus
	ctrl    *fakeController
	history *fakeHistory
	monitor *audioio.TeeSink
	encoder *fakeEncoder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		bus:     events.NewBus(nil),
		ctrl:    &fakeController{state: conversation.StateListening},
		history: &fakeHistory{messages: []inference.Message{inference.NewUserMessage("hi")}},
		encoder: &fakeEncoder{},
	}
	f.monitor = audioio.NewTeeSink(audioio.NewMockSink(audioio.DefaultPlaybackConfig(), nil))
	recorder := metrics.New(f.bus, nil)
	t.Cleanup(func() { _ = recorder.Close() })

	srv, err := New(DefaultConfig(), Deps{
		Bus:        f.bus,
		Controller: f.ctrl,
		History:    f.history,
		Metrics:    recorder,
		Monitor:    f.monitor,
		Encoder:    f.encoder,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	f.srv = srv
	return f
}

// serve runs the server on a loopback port and returns its address.
func (f *fixture) serve(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = f.srv.Serve(ctx, ln)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, string) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.srv.App().Test(req, -1)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(data)
}

func TestNewRequiresBusAndController(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.Error(t, err)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	f.bus.Publish(events.UserMessage{Text: "hello"})

	resp, body := f.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status Status
	require.NoError(t, json.Unmarshal([]byte(body), &status))
	assert.Equal(t, conversation.StateListening, status.Conversation.State)
	assert.True(t, status.Conversation.Listening)
	assert.GreaterOrEqual(t, status.Published, uint64(1))
	assert.Nil(t, status.LastTurn)
}

func TestListeningControls(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{"/api/listening/start", "/api/listening/stop", "/api/listening/toggle"} {
		resp, _ := f.do(t, http.MethodPost, path, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
	assert.Equal(t, []string{"start", "stop", "toggle"}, f.ctrl.Calls())
}

func TestControlErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"speaking", conversation.ErrSpeaking, http.StatusConflict},
		{"responding", conversation.ErrResponding, http.StatusConflict},
		{"no source", conversation.ErrNoSource, http.StatusServiceUnavailable},
		{"closed", conversation.ErrClosed, http.StatusServiceUnavailable},
		{"other", io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.ctrl.startErr = tt.err
			resp, body := f.do(t, http.MethodPost, "/api/listening/start", "")
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.Contains(t, body, tt.err.Error())
		})
	}
}

func TestSpeak(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/speak", `{"text":"hello there"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.JSONEq(t, `{"id":"speech-1"}`, body)

	resp, _ = f.do(t, http.MethodPost, "/api/speak", `{"text":"   "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f.ctrl.speakErr = conversation.ErrResponding
	resp, _ = f.do(t, http.MethodPost, "/api/speak", `{"text":"again"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	assert.Equal(t, []string{"speak:hello there", "speak:again"}, f.ctrl.Calls())
}

func TestInterrupt(t *testing.T) {
	f := newFixture(t)
	f.ctrl.interrupted = true

	resp, body := f.do(t, http.MethodPost, "/api/interrupt", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"interrupted":true}`, body)
}

func TestConversationAndHistory(t *testing.T) {
	f := newFixture(t)
	f.bus.Publish(events.UserMessage{Text: "what time is it"})
	f.bus.Publish(events.AssistantMessage{ResponseID: "r1", Text: "Noon."})
	f.bus.Publish(events.BotError{Source: "speech", Reason: "timed out"})

	resp, body := f.do(t, http.MethodGet, "/api/conversation", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entries []ConversationEntry
	require.NoError(t, json.Unmarshal([]byte(body), &entries))
	require.Len(t, entries, 3)
	assert.Equal(t, "user", entries[0].Role)
	assert.Equal(t, "r1", entries[1].ResponseID)
	assert.Equal(t, "speech: timed out", entries[2].Message)

	resp, body = f.do(t, http.MethodGet, "/api/history", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[{"role":"user","content":"hi"}]`, body)

	resp, _ = f.do(t, http.MethodPost, "/api/history/clear", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 1, f.history.cleared)
	assert.Empty(t, f.srv.Conversation())
}

func TestConversationLimit(t *testing.T) {
	bus := events.NewBus(nil)
	cfg := DefaultConfig()
	cfg.ConversationLimit = 2
	srv, err := New(cfg, Deps{Bus: bus, Controller: &fakeController{}})
	require.NoError(t, err)
	defer srv.Close()

	for _, text := range []string{"a", "b", "c"} {
		bus.Publish(events.UserMessage{Text: text})
	}
	got := srv.Conversation()
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Message)
	assert.Equal(t, "c", got[1].Message)

	resp, err := srv.App().Test(httptest.NewRequest(http.MethodGet, "/api/history", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.bus.Publish(events.UtteranceReady{Utterance: events.Utterance{ID: "u1", SampleRate: 16000, Duration: time.Second}})

	resp, body := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "voiceloop_utterances_total")
}

func TestWebsocketRequiresUpgrade(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/ws/events", "")
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func TestEventFeed(t *testing.T) {
	f := newFixture(t)
	addr := f.serve(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws/events", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var first struct {
		Type string                `json:"type"`
		Data conversation.Snapshot `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, string(TopicSnapshot), first.Type)
	assert.Equal(t, conversation.StateListening, first.Data.State)

	require.Eventually(t, func() bool { return f.srv.EventClients() == 1 }, time.Second, 5*time.Millisecond)
	f.bus.Publish(events.UserMessage{Text: "hi there"})
	f.bus.Publish(events.ResponseError{ResponseID: "r1", Reason: "boom", Err: io.EOF})

	var msg struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, string(events.TopicUserMessage), msg.Type)
	assert.Equal(t, "hi there", msg.Data["text"])

	msg.Data = nil
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, string(events.TopicResponseError), msg.Type)
	assert.Equal(t, "boom", msg.Data["reason"])
	assert.NotContains(t, msg.Data, "err")
}

func TestAudioMonitor(t *testing.T) {
	f := newFixture(t)
	addr := f.serve(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws/audio", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.srv.AudioClients() == 1 }, time.Second, 5*time.Millisecond)

	frame := audioio.Frame{Samples: make([]float32, 42), SampleRate: 24000}
	require.NoError(t, f.monitor.Play(context.Background(), frame))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, []byte{42}, data)

	f.bus.Publish(events.SpeechCleared{ResponseID: "r1"})
	f.encoder.mu.Lock()
	assert.Equal(t, 1, f.encoder.resets)
	f.encoder.mu.Unlock()
}
