package periodic

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"alarmaway/internal/eventbus"
	"alarmaway/internal/task/engine"
	logx "alarmaway/pkg/logx"

	"github.com/robfig/cron/v3"
)

type Config struct {
	// Timezone is the IANA zone cron expressions are evaluated in. Empty means UTC.
	Timezone string
}

// Executor runs triggered sweeps. *engine.Service satisfies it.
type Executor interface {
	Enqueue(t engine.Task) error
}

type sweepDef struct {
	name          string
	spec          string
	timeout       time.Duration
	job           func(ctx context.Context) error
	entryID       cron.EntryID
	startupSpread time.Duration
	running       *atomic.Bool
}

type Service struct {
	mu sync.Mutex

	log  logx.Logger
	cfg  Config
	loc  *time.Location
	bus  eventbus.Bus
	exec Executor

	parser cron.Parser
	c      *cron.Cron
	defs   []sweepDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type SweepInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next,omitempty"`
	Prev    time.Time     `json:"prev,omitempty"`
	Running bool          `json:"running"`
}
