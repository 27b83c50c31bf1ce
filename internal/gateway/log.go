package gateway

import (
	"context"
	"sync"

	logx "alarmaway/pkg/logx"

	"github.com/google/uuid"
)

// Sent is one request recorded by the log gateway.
type Sent struct {
	SID       string
	Kind      string // "call" or "text"
	Number    string
	ScriptURL string
	Body      string
}

// Log is a dry-run gateway. It logs and remembers every request.
type Log struct {
	log logx.Logger

	mu   sync.Mutex
	sent []Sent
}

func NewLog(log logx.Logger) *Log {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Log{log: log.With(logx.String("comp", "gateway.log"))}
}

func (g *Log) PlaceCall(_ context.Context, number, scriptURL string) (string, error) {
	s := Sent{SID: "CA" + uuid.NewString(), Kind: "call", Number: number, ScriptURL: scriptURL}
	g.record(s)
	g.log.Info("call (dry run)", logx.String("to", number), logx.String("script", scriptURL), logx.String("sid", s.SID))
	return s.SID, nil
}

func (g *Log) SendText(_ context.Context, number, body string) (string, error) {
	s := Sent{SID: "SM" + uuid.NewString(), Kind: "text", Number: number, Body: body}
	g.record(s)
	g.log.Info("text (dry run)", logx.String("to", number), logx.String("body", body), logx.String("sid", s.SID))
	return s.SID, nil
}

// Sent returns a copy of everything sent so far.
func (g *Log) Sent() []Sent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Sent(nil), g.sent...)
}

func (g *Log) record(s Sent) {
	g.mu.Lock()
	g.sent = append(g.sent, s)
	if len(g.sent) > 500 {
		g.sent = g.sent[len(g.sent)-500:]
	}
	g.mu.Unlock()
}
