package live

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
)

const sendBuffer = 16

// Handler serves the SockJS endpoint under prefix. A client may subscribe
// right away with a queue_id query parameter.
func (h *Hub) Handler(prefix string) http.Handler {
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, h.serveSession)
}

func (h *Hub) serveSession(session sockjs.Session) {
	client := &Client{ID: uuid.NewString(), Send: make(chan []byte, sendBuffer)}
	h.Register(client)
	defer h.Unregister(client)

	if queueID := queueIDFromRequest(session.Request()); queueID > 0 {
		h.Subscribe(client, queueID)
	}

	go func() {
		for msg := range client.Send {
			_ = session.Send(string(msg))
		}
	}()

	for {
		msg, err := session.Recv()
		if err != nil {
			return
		}
		parsed, ok := ParseSubscribe([]byte(msg))
		if !ok {
			continue
		}
		h.Subscribe(client, parsed.QueueID)
	}
}

func queueIDFromRequest(r *http.Request) int64 {
	if r == nil {
		return 0
	}
	raw := strings.TrimSpace(r.URL.Query().Get("queue_id"))
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0
	}
	return id
}
