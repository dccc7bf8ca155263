package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "droidsched/pkg/logx"
)

// fileStore is the file persistence backend.
//
// Files:
//   - <prefix>.templates.json (full snapshot, rewritten atomically on change)
//   - <prefix>.jobs.jsonl     (append-only JSON Lines archive)
//
// Templates are few and change rarely, so a full rewrite per mutation keeps
// the on-disk state trivially consistent.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	templatesPath string
	templates     map[string]Template

	jobsFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	templatesPath := prefix + ".templates.json"
	jobsPath := prefix + ".jobs.jsonl"

	templates := map[string]Template{}
	if err := loadTemplates(templatesPath, templates); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("template snapshot unreadable, starting empty", logx.String("path", templatesPath), logx.Err(err))
	}

	jf, err := os.OpenFile(jobsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:           log,
		templatesPath: templatesPath,
		templates:     templates,
		jobsFile:      jf,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobsFile == nil {
		return nil
	}
	err := s.jobsFile.Close()
	s.jobsFile = nil
	return err
}

func (s *fileStore) SaveTemplate(ctx context.Context, t Template) error {
	_ = ctx
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("template id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.ID] = t
	return s.writeTemplatesLocked()
}

func (s *fileStore) DeleteTemplate(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[id]; !ok {
		return nil
	}
	delete(s.templates, id)
	return s.writeTemplatesLocked()
}

func (s *fileStore) ListTemplates(ctx context.Context) ([]Template, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Template, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	return out, nil
}

func (s *fileStore) AppendJob(ctx context.Context, r JobRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobsFile == nil {
		return errors.New("jobs archive closed")
	}
	return json.NewEncoder(s.jobsFile).Encode(r)
}

// writeTemplatesLocked rewrites the snapshot via rename so a crash mid-write
// never leaves a truncated file.
func (s *fileStore) writeTemplatesLocked() error {
	tmp := s.templatesPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.templates); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.templatesPath)
}

func loadTemplates(path string, out map[string]Template) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]Template
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}
