package loopback

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/eva/internal/audio"
	"github.com/ent0n29/eva/internal/protocol"
)

func dial(t *testing.T, srv *httptest.Server, clientID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + clientID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg any) {
	t.Helper()
	data, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
}

func receive(t *testing.T, conn *websocket.Conn) any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		t.Fatalf("ParseServerMessage(%s) error = %v", data, err)
	}
	return msg
}

func TestLoopbackAnswersProtocol(t *testing.T) {
	lb := New(Options{EchoAudio: true})
	srv := httptest.NewServer(lb.Handler())
	defer srv.Close()
	conn := dial(t, srv, "c1")

	send(t, conn, protocol.NewConfig(protocol.DefaultSessionConfig()))
	text, ok := receive(t, conn).(protocol.TextMessage)
	if !ok || !strings.Contains(text.Content(), "Aoede") {
		t.Fatalf("config reply = %#v, want text naming the voice", text)
	}

	send(t, conn, protocol.NewAudio(audio.EncodeFrame(make([]float32, 160))))
	echo, ok := receive(t, conn).(protocol.AudioMessage)
	if !ok {
		t.Fatalf("audio reply is not audio")
	}
	samples, err := audio.DecodeFrame(echo.Data)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if len(samples) != 240 {
		t.Fatalf("echo samples = %d, want 240 (16 kHz -> 24 kHz)", len(samples))
	}

	send(t, conn, protocol.NewChatWatchStart("dQw4w9WgXcQ"))
	status, ok := receive(t, conn).(protocol.ChatStatus)
	if !ok || status.Data != protocol.ChatStarted {
		t.Fatalf("chat start reply = %#v, want status started", status)
	}
	item, ok := receive(t, conn).(protocol.ChatItem)
	if !ok || item.Data.User != "loopback" || !strings.Contains(item.Data.Message, "dQw4w9WgXcQ") {
		t.Fatalf("chat item = %#v", item)
	}

	send(t, conn, protocol.NewChatWatchStop())
	status, ok = receive(t, conn).(protocol.ChatStatus)
	if !ok || status.Data != protocol.ChatStopped {
		t.Fatalf("chat stop reply = %#v, want status stopped", status)
	}

	got := lb.Types("c1")
	want := []protocol.MessageType{protocol.TypeConfig, protocol.TypeAudio, protocol.TypeChatWatchStart, protocol.TypeChatWatchStop}
	if len(got) != len(want) {
		t.Fatalf("Types() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Types() = %v, want %v", got, want)
		}
	}
}

func TestLoopbackSendAndDisconnect(t *testing.T) {
	lb := New(Options{})
	srv := httptest.NewServer(lb.Handler())
	defer srv.Close()

	if err := lb.Send("nobody", protocol.NewText("x")); err != ErrNoClient {
		t.Fatalf("Send() to unknown client error = %v, want ErrNoClient", err)
	}
	conn := dial(t, srv, "c2")
	deadline := time.Now().Add(2 * time.Second)
	for !lb.Connected("c2") && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := lb.Send("c2", protocol.NewText("pushed")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if text, ok := receive(t, conn).(protocol.TextMessage); !ok || text.Content() != "pushed" {
		t.Fatalf("received %#v, want pushed text", text)
	}

	send(t, conn, protocol.NewAudio(audio.EncodeFrame(make([]float32, 16))))
	if err := lb.Disconnect("c2", true); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("read after Disconnect() error = %v, want normal closure", err)
	}
}
