package trigger

import (
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"droidsched/internal/eventbus"
	"droidsched/internal/task"
	logx "droidsched/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Shanghai"; empty means time.Local
}

// Template describes a recurring job. Each firing materializes a brand new
// Job from the template; firings never share job state.
type Template struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Task       string        `json:"task"`
	Spec       string        `json:"spec"`      // 5-field cron spec or @-descriptor
	DeviceID   string        `json:"device_id"` // optional pin
	MaxRetries int           `json:"max_retries"`
	Timeout    time.Duration `json:"timeout"`
}

// ScheduleInfo is a Template plus its runtime firing times.
type ScheduleInfo struct {
	Template
	Next time.Time
	Prev time.Time
}

// SubmitFunc hands a freshly built job to the queue.
type SubmitFunc func(j *task.Job)

var (
	ErrNotFound    = errors.New("trigger: template not found")
	ErrInvalidSpec = errors.New("trigger: invalid cron spec")
)

type def struct {
	tpl     Template
	entryID cron.EntryID
}

type Service struct {
	mu sync.Mutex

	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	submit SubmitFunc

	parser cron.Parser
	loc    *time.Location
	c      *cron.Cron
	defs   []*def

	running bool
}
