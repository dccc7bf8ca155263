package trigger

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"droidsched/internal/eventbus"
	"droidsched/internal/task"
	logx "droidsched/pkg/logx"
)

// FireEvent is the payload of "trigger.fired" bus events.
type FireEvent struct {
	TemplateID string `json:"template_id"`
	Name       string `json:"name"`
	JobID      string `json:"job_id"`
	DeviceID   string `json:"device_id,omitempty"`
}

func New(cfg Config, submit SubmitFunc, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "trigger")),
		bus:    bus,
		submit: submit,
		// Strict 5-field specs plus the @-descriptors (@hourly, @every 30m, ...).
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Apply swaps the config. A timezone change while running restarts the cron
// runner so existing templates fire in the new location.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg

	if s.running && oldTZ != newTZ {
		s.restartLocked()
	}
}

// Start brings up the cron runner and registers any templates added while
// stopped. Idempotent.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.registerLocked(d); err != nil {
			s.log.Error("template register failed", logx.String("id", d.tpl.ID), logx.String("spec", d.tpl.Spec), logx.Err(err))
		}
	}
	s.c.Start()
	s.running = true
	s.log.Info("trigger started", logx.String("tz", s.loc.String()), logx.Int("templates", len(s.defs)))
}

// Stop halts firing. Registered templates survive and resume on Start.
// Blocks until in-flight AddFunc callbacks return; those only hand a job to
// the queue, so this is quick.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	c := s.c
	s.c = nil
	s.running = false
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()

	<-c.Stop().Done()
	s.log.Info("trigger stopped")
}

// Add registers a template. An empty ID gets one generated; an existing ID is
// upserted, replacing the previous schedule. The spec is validated up front
// so a bad template is rejected before it ever reaches the runner.
func (s *Service) Add(tpl Template) (string, error) {
	if strings.TrimSpace(tpl.Name) == "" {
		return "", fmt.Errorf("trigger: name required")
	}
	if strings.TrimSpace(tpl.Task) == "" {
		return "", fmt.Errorf("trigger: task required")
	}
	if _, err := s.parser.Parse(tpl.Spec); err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidSpec, tpl.Spec, err)
	}
	if tpl.MaxRetries <= 0 {
		tpl.MaxRetries = task.DefaultMaxRetries
	}
	if tpl.Timeout <= 0 {
		tpl.Timeout = task.DefaultTimeout
	}
	if tpl.ID == "" {
		tpl.ID = "tpl_" + task.NewID()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(tpl.ID)
	d := &def{tpl: tpl}
	s.defs = append(s.defs, d)
	if s.running {
		if err := s.registerLocked(d); err != nil {
			// Parse succeeded above, so this should not happen.
			s.defs = s.defs[:len(s.defs)-1]
			return "", err
		}
	}
	s.log.Info("template added", logx.String("id", tpl.ID), logx.String("name", tpl.Name), logx.String("spec", tpl.Spec))
	return tpl.ID, nil
}

// Remove deletes a template by ID and unschedules it.
func (s *Service) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.removeLocked(id) {
		return ErrNotFound
	}
	s.log.Info("template removed", logx.String("id", id))
	return nil
}

// List returns all templates with their next and previous firing times.
// Times are zero while the service is stopped.
func (s *Service) List() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		info := ScheduleInfo{Template: d.tpl}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next = e.Next
			info.Prev = e.Prev
		}
		out = append(out, info)
	}
	return out
}

// Get returns a template by ID.
func (s *Service) Get(id string) (Template, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.defs {
		if d.tpl.ID == id {
			return d.tpl, true
		}
	}
	return Template{}, false
}

func (s *Service) removeLocked(id string) bool {
	for i, d := range s.defs {
		if d.tpl.ID != id {
			continue
		}
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
		s.defs = append(s.defs[:i], s.defs[i+1:]...)
		return true
	}
	return false
}

// registerLocked wires a template into the running cron instance.
// Call with s.mu held and s.c non-nil.
func (s *Service) registerLocked(d *def) error {
	tpl := d.tpl
	eid, err := s.c.AddFunc(tpl.Spec, func() { s.fire(tpl) })
	if err != nil {
		return err
	}
	d.entryID = eid
	return nil
}

// fire builds a fresh job from the template snapshot and submits it. Runs on
// the cron goroutine; it must not block, and Submit only appends to the
// pending queue.
func (s *Service) fire(tpl Template) {
	j := task.NewJob(tpl.Name, tpl.Task)
	j.DeviceID = tpl.DeviceID
	j.MaxRetries = tpl.MaxRetries
	j.Timeout = tpl.Timeout

	s.log.Info("template fired", logx.String("id", tpl.ID), logx.String("name", tpl.Name), logx.String("job", j.ID))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Topic: eventbus.TopicTriggerFired, Time: time.Now(), Data: FireEvent{TemplateID: tpl.ID, Name: tpl.Name, JobID: j.ID, DeviceID: tpl.DeviceID}})
	}
	s.submit(j)
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		_ = s.registerLocked(d)
	}
	s.c.Start()
	s.log.Info("trigger restarted", logx.String("tz", s.loc.String()), logx.Int("templates", len(s.defs)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
