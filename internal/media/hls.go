package media

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tongki078/nasvideo/internal/logger"
)

const sessionIdleTimeout = 10 * time.Minute

// Session is one running HLS transcode.
type Session struct {
	ID       string
	Dir      string
	RealPath string

	cmd        *exec.Cmd
	cancel     context.CancelFunc
	mu         sync.Mutex
	lastAccess time.Time
}

// Touch records client activity on the session.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastAccess = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

// SessionManager owns the HLS root directory and the running transcodes.
// Segments live in RAM-backed storage; the whole root is wiped at startup.
type SessionManager struct {
	root string
	log  *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionManager wipes and recreates the HLS root.
func NewSessionManager(root string, log *logger.Logger) (*SessionManager, error) {
	if err := os.RemoveAll(root); err != nil {
		return nil, fmt.Errorf("failed to wipe HLS root: %w", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create HLS root: %w", err)
	}
	return &SessionManager{
		root:     root,
		log:      log.WithComponent("hls"),
		sessions: make(map[string]*Session),
	}, nil
}

// SessionID derives the session key from the real file path.
func SessionID(realPath string) string {
	sum := md5.Sum([]byte(realPath))
	return hex.EncodeToString(sum[:])
}

// Start returns the session for a file, spawning the transcoder on first
// use. compatibility selects a baseline profile for older mobile players.
func (m *SessionManager) Start(ctx context.Context, realPath string, compatibility bool) (*Session, error) {
	id := SessionID(realPath)

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[id]; ok {
		s.Touch()
		return s, nil
	}

	// Single-viewer NAS: a new playback supersedes whatever was
	// transcoding before.
	for oldID, old := range m.sessions {
		delete(m.sessions, oldID)
		old.cancel()
		os.RemoveAll(old.Dir)
		m.log.Info().Str("session", oldID).Msg("transcode session superseded")
	}

	dir := filepath.Join(m.root, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	cmdCtx, cancel := context.WithCancel(context.Background())
	args := []string{
		"-i", realPath,
		"-c:a", "aac", "-b:a", "128k", "-ac", "2",
	}
	if compatibility {
		args = append(args,
			"-c:v", "libx264", "-profile:v", "baseline", "-level", "3.1",
			"-preset", "veryfast", "-crf", "23",
		)
	} else {
		args = append(args, "-c:v", "copy")
	}
	args = append(args,
		"-f", "hls",
		"-hls_time", "6",
		"-hls_list_size", "0",
		"-hls_segment_filename", filepath.Join(dir, "seg_%05d.ts"),
		filepath.Join(dir, "index.m3u8"),
	)

	cmd := exec.CommandContext(cmdCtx, "ffmpeg", args...)
	if err := cmd.Start(); err != nil {
		cancel()
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to start transcoder: %w", err)
	}

	s := &Session{
		ID:         id,
		Dir:        dir,
		RealPath:   realPath,
		cmd:        cmd,
		cancel:     cancel,
		lastAccess: time.Now(),
	}
	m.sessions[id] = s

	go func() {
		err := cmd.Wait()
		if err != nil && cmdCtx.Err() == nil {
			m.log.Warn().Err(err).Str("session", id).Msg("transcoder exited with error")
		}
	}()

	m.log.Info().Str("session", id).Bool("compatibility", compatibility).Msg("transcode session started")
	return s, nil
}

// SegmentPath maps a session id and playlist file name to an on-disk path.
// The file name must be a bare name; traversal is rejected.
func (m *SessionManager) SegmentPath(sessionID, file string) (string, bool) {
	if strings.Contains(file, "/") || strings.Contains(file, "..") {
		return "", false
	}
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return "", false
	}
	s.Touch()
	return filepath.Join(s.Dir, file), true
}

// Stop kills a session's transcoder and removes its directory.
func (m *SessionManager) Stop(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	s.cancel()
	os.RemoveAll(s.Dir)
	m.log.Info().Str("session", sessionID).Msg("transcode session stopped")
}

// ReapIdle stops sessions with no client activity past the idle timeout.
func (m *SessionManager) ReapIdle() {
	cutoff := time.Now().Add(-sessionIdleTimeout)

	m.mu.Lock()
	var idle []string
	for id, s := range m.sessions {
		if s.idleSince().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	for _, id := range idle {
		m.Stop(id)
	}
}

// Run reaps idle sessions until the context is cancelled.
func (m *SessionManager) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ReapIdle()
		}
	}
}
